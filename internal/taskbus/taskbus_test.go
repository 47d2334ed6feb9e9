package taskbus

import (
	"context"
	"testing"

	"tripgate/internal/domain"
)

func TestOpenWithoutURLIsNop(t *testing.T) {
	p, err := Open(context.Background(), "", "tripgate:tasks", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := p.(nopPublisher); !ok {
		t.Fatalf("expected nop publisher, got %T", p)
	}
	if err := p.Publish(context.Background(), domain.AsyncTask{ID: "t-1", Status: "RUNNING"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenRejectsBadURL(t *testing.T) {
	if _, err := Open(context.Background(), "http://not-redis", "tripgate:tasks", nil); err == nil {
		t.Fatalf("expected parse error for non-redis scheme")
	}
}
