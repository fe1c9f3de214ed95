package telephony

import (
	"strings"
	"testing"
)

func TestRenderOutboundTwiML(t *testing.T) {
	xml, err := RenderOutboundTwiML("wss://agent.example.com/stream", map[string]string{"name": "Ada", "assignment_id": "a1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{
		`<Connect><Stream url="wss://agent.example.com/stream">`,
		`<Parameter name="assignment_id" value="a1"></Parameter><Parameter name="name" value="Ada"></Parameter>`,
		`<Hangup></Hangup>`,
	} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
}

func TestRenderOutboundTwiMLRequiresStream(t *testing.T) {
	if _, err := RenderOutboundTwiML("  ", nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRenderOutboundTwiMLEscapesValues(t *testing.T) {
	xml, err := RenderOutboundTwiML("wss://x", map[string]string{"note": `<b>"hi"</b>`})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if strings.Contains(xml, "<b>") {
		t.Fatalf("expected escaped value: %s", xml)
	}
}
