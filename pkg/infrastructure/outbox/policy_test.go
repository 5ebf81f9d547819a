package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoutingKeyPolicy(t *testing.T) {
	policy := NewRoutingKeyPolicy("billing.#", "order.*.created", " payment.refund ", "")

	cases := []struct {
		routingKey string
		critical   bool
	}{
		{"billing", true},
		{"billing.invoice.paid", true},
		{"order.eu.created", true},
		{"order.created", false},
		{"order.eu.west.created", false},
		{"payment.refund", true},
		{"payment.refund.partial", false},
		{"audit.login", false},
		{"", false},
	}
	for _, c := range cases {
		t.Run(c.routingKey, func(t *testing.T) {
			assert.Equal(t, c.critical, policy.IsCritical(c.routingKey))
			assert.Equal(t, c.critical, policy.IsCritical(c.routingKey), "classification must be stable")
		})
	}
}

func TestRoutingKeyPolicyEdgeCases(t *testing.T) {
	assert.True(t, NewRoutingKeyPolicy("#").IsCritical("anything.at.all"))
	assert.True(t, NewRoutingKeyPolicy("#.failed").IsCritical("payment.capture.failed"))
	assert.True(t, NewRoutingKeyPolicy("#.failed").IsCritical("failed"))
	assert.False(t, NewRoutingKeyPolicy().IsCritical("billing.invoice.paid"))

	var fn CriticalityPolicy = CriticalityPolicyFunc(func(routingKey string) bool {
		return routingKey == "only.this"
	})
	assert.True(t, fn.IsCritical("only.this"))
	assert.False(t, fn.IsCritical("only.that"))
}
