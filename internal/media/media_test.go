package media

import "testing"

func TestParseProbeOutput(t *testing.T) {
	out := "index=0\ncodec_name=subrip\nTAG:language=eng\nindex=1\ncodec_name=hdmv_pgs_subtitle\nTAG:language=fre\n"

	streams := parseProbeOutput(out)
	if len(streams) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(streams))
	}
	if streams[0].Index != 0 || streams[0].CodecName != "subrip" || streams[0].Language != "eng" {
		t.Errorf("unexpected first stream: %+v", streams[0])
	}
	if streams[1].Index != 1 || streams[1].CodecName != "hdmv_pgs_subtitle" || streams[1].Language != "fre" {
		t.Errorf("unexpected second stream: %+v", streams[1])
	}
}

func TestParseProbeOutput_IgnoresUnrecognizedKeys(t *testing.T) {
	out := "index=0\ncodec_name=aac\nduration=120.0\n"
	streams := parseProbeOutput(out)
	if len(streams) != 1 || streams[0].CodecName != "aac" {
		t.Fatalf("expected one aac stream, got %+v", streams)
	}
}

func TestParseProbeOutput_Empty(t *testing.T) {
	if streams := parseProbeOutput(""); len(streams) != 0 {
		t.Errorf("expected no streams from empty output, got %d", len(streams))
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected short string unchanged, got %q", got)
	}
	if got := truncate("this is a long string", 7); got != "this is..." {
		t.Errorf("unexpected truncation: %q", got)
	}
}

func TestBitmapSubtitleCodecs_KnownCodecsFlagged(t *testing.T) {
	for _, codec := range []string{"hdmv_pgs_subtitle", "dvd_subtitle", "dvb_subtitle", "xsub"} {
		if !bitmapSubtitleCodecs[codec] {
			t.Errorf("expected %s to be flagged as a bitmap subtitle codec", codec)
		}
	}
	if bitmapSubtitleCodecs["subrip"] {
		t.Error("subrip is a text codec and should not be flagged as bitmap")
	}
}
