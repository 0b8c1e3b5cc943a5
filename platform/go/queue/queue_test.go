package queue

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAcknowledger records how a delivery was settled.
type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcknowledger) Ack(_ uint64, _ bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func TestSettleAcksHandledDelivery(t *testing.T) {
	t.Parallel()
	ack := &fakeAcknowledger{}
	d := &amqp.Delivery{Acknowledger: ack, Body: []byte(`{}`)}

	requeued := settle(context.Background(), d, "test", func(context.Context, []byte) error {
		return nil
	}, zap.NewNop())

	require.False(t, requeued)
	require.True(t, ack.acked)
	require.False(t, ack.nacked)
}

func TestSettleRequeuesOnHandlerError(t *testing.T) {
	t.Parallel()
	ack := &fakeAcknowledger{}
	d := &amqp.Delivery{Acknowledger: ack, Body: []byte(`{}`)}

	requeued := settle(context.Background(), d, "test", func(context.Context, []byte) error {
		return errors.New("tenant pool: dial timeout")
	}, zap.NewNop())

	// Transient infrastructure failures must not lose the job.
	require.True(t, requeued)
	require.True(t, ack.nacked)
	require.True(t, ack.requeue)
	require.False(t, ack.acked)
}
