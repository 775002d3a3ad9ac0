package kafka

import "testing"

func TestPublishSettlementEvent_NilProducerIsNoop(t *testing.T) {
	var p *Producer
	err := p.PublishSettlementEvent(&SettlementEvent{
		EventType: EventMessageConfirmed,
		AccountID: "acct-1",
	})
	if err != nil {
		t.Fatalf("nil producer must drop events silently, got %v", err)
	}
}

func TestNilProducerHelpers(t *testing.T) {
	var p *Producer
	if p.GetClient() != nil {
		t.Fatal("nil producer must report nil client")
	}
	if err := p.HealthCheck(); err == nil {
		t.Fatal("nil producer must fail health check")
	}
	p.Close()
}
