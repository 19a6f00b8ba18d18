package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishRejectsUnencodableEvent(t *testing.T) {
	p := &RabbitPublisher{}

	err := p.Publish(context.Background(), make(chan int))
	assert.ErrorContains(t, err, "encode event")
}
