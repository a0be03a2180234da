package kafka

import (
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

func TestWriterFlushesPromptly(t *testing.T) {
	c := NewClient([]string{"localhost:9092"})
	w := c.writer(TopicNotifications)
	if w.BatchTimeout <= 0 || w.BatchTimeout > 10*time.Millisecond {
		t.Fatalf("batch timeout %v would delay synchronous publishes", w.BatchTimeout)
	}
	if c.writer(TopicNotifications) != w {
		t.Error("writer not reused for the same topic")
	}
}

func TestNewGroupStartsAtLogEnd(t *testing.T) {
	cfg := readerConfig([]string{"localhost:9092"}, TopicNotifications, "notifications-abc")
	if cfg.StartOffset != kafkago.LastOffset {
		t.Fatalf("start offset %d, want LastOffset", cfg.StartOffset)
	}
	if cfg.GroupID != "notifications-abc" {
		t.Errorf("group id %q", cfg.GroupID)
	}
}
