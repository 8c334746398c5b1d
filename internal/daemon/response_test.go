package daemon

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.tunnelmgr.dev/tunnelmgr/internal/tunnel"
)

func TestResponseMessages(t *testing.T) {
	var r Response
	r.Info("saved")
	r.Warn("kept key")

	if r.Failed() {
		t.Error("response without errors reported as failed")
	}

	r.Error(errors.New("port in use"))
	if !r.Failed() {
		t.Error("expected response with an error to be failed")
	}

	want := []ResponseMessage{
		{Message: "saved", Status: StatusInfo},
		{Message: "kept key", Status: StatusWarn},
		{Message: "port in use", Status: StatusError},
	}
	if diff := cmp.Diff(want, r.Messages); diff != "" {
		t.Errorf("unexpected messages (-want +got):\n%s", diff)
	}
}

func TestResponseDecodeDataAfterTransport(t *testing.T) {
	var sent Response
	sent.AddData(tunnel.Entry{Key: "db", RemoteAddress: "db:5432", LocalPort: 5432, ProxyHost: "bastion"})

	var received Response
	if err := json.Unmarshal([]byte(sent.ToJSON()), &received); err != nil {
		t.Fatal(err)
	}

	var entry tunnel.Entry
	if err := received.DecodeData(&entry); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if diff := cmp.Diff(sent.Data, entry); diff != "" {
		t.Errorf("unexpected entry (-want +got):\n%s", diff)
	}
}

func TestResponseToJSONFallback(t *testing.T) {
	var r Response
	r.AddData(make(chan int))

	var decoded Response
	if err := json.Unmarshal([]byte(r.ToJSON()), &decoded); err != nil {
		t.Fatalf("fallback is not valid JSON: %v", err)
	}
	if !decoded.Failed() {
		t.Error("expected the fallback response to carry an error")
	}
}
