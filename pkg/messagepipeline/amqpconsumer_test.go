package messagepipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-tweetprocess/pkg/messagepipeline"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSourceQueue(t *testing.T) (*messagepipeline.SourceQueue[streamTestPayload], *fakeChannel) {
	t.Helper()
	channelCtx, ch, _ := newTestChannel(t, 1)
	cfg := messagepipeline.NewSourceQueueDefaults("tweet.store")
	cfg.ConsumerTag = "test-consumer"
	queue, err := messagepipeline.NewSourceQueue[streamTestPayload](context.Background(), channelCtx, cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	return queue, ch
}

func jsonDelivery(ack amqp.Acknowledger, tag uint64, id, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:    ack,
		DeliveryTag:     tag,
		ContentType:     "application/json",
		ContentEncoding: "utf8",
		MessageId:       id,
		Body:            []byte(body),
	}
}

func TestNewSourceQueue_TopologyOrder(t *testing.T) {
	_, ch := newTestSourceQueue(t)

	assert.Equal(t, []string{
		"Qos",
		"ExchangeDeclarePassive:amq.topic",
		"QueueDeclare:tweet.store",
		"QueueBind:tweet.store:tweet.*:amq.topic",
	}, ch.Calls())
}

func TestNewSourceQueue_TopologyErrors(t *testing.T) {
	testCases := []struct {
		name     string
		setup    func(ch *fakeChannel)
		op       string
		notAfter string
	}{
		{
			name:     "exchange missing",
			setup:    func(ch *fakeChannel) { ch.exchangePassiveErr = errors.New("NOT_FOUND") },
			op:       "check exchange",
			notAfter: "QueueDeclare:tweet.store",
		},
		{
			name:     "queue declare fails",
			setup:    func(ch *fakeChannel) { ch.queueDeclareErr = errors.New("PRECONDITION_FAILED") },
			op:       "declare queue",
			notAfter: "QueueBind:tweet.store:tweet.*:amq.topic",
		},
		{
			name:  "bind fails",
			setup: func(ch *fakeChannel) { ch.queueBindErr = errors.New("ACCESS_REFUSED") },
			op:    "bind queue",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			channelCtx, ch, _ := newTestChannel(t, 1)
			tc.setup(ch)

			_, err := messagepipeline.NewSourceQueue[streamTestPayload](context.Background(), channelCtx,
				messagepipeline.NewSourceQueueDefaults("tweet.store"), nil, zerolog.Nop())

			var topoErr *messagepipeline.TopologyError
			require.ErrorAs(t, err, &topoErr)
			assert.Equal(t, tc.op, topoErr.Op)
			if tc.notAfter != "" {
				assert.NotContains(t, ch.Calls(), tc.notAfter)
			}
		})
	}
}

func TestSourceQueue_DeliversSupportedMessages(t *testing.T) {
	// Arrange
	queue, ch := newTestSourceQueue(t)
	ack := newFakeAcknowledger()
	require.NoError(t, queue.Start(context.Background()))
	t.Cleanup(func() { _ = queue.Stop(context.Background()) })

	d := jsonDelivery(ack, 1, "1001", `{"data":"hello"}`)
	d.CorrelationId = "1001"
	d.AppId = "tweet-fetch"
	d.RoutingKey = "tweet.jack"
	d.Headers = amqp.Table{"screenName": "jack", messagepipeline.TimestampMillisHeader: int64(1700000000123)}

	// Act
	ch.deliveries <- d

	// Assert
	var msg *messagepipeline.IncomingMessage[streamTestPayload]
	select {
	case msg = <-queue.Messages():
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}

	assert.Equal(t, "1001", msg.MessageID)
	assert.Equal(t, "1001", msg.CorrelationID)
	assert.Equal(t, "tweet-fetch", msg.AppID)
	assert.Equal(t, "tweet.jack", msg.RoutingKey)
	assert.Equal(t, "jack", msg.Header("screenName"))
	assert.Equal(t, time.UnixMilli(1700000000123), msg.Timestamp)

	payload, err := msg.Content()
	require.NoError(t, err)
	assert.Equal(t, "hello", payload.Data)

	require.NoError(t, msg.Ack())
	assert.True(t, ack.IsAcked(1))
	assert.ErrorIs(t, msg.Ack(), messagepipeline.ErrAlreadySettled)
	assert.ErrorIs(t, msg.Nack(true), messagepipeline.ErrAlreadySettled)
}

func TestSourceQueue_RejectsUnsupportedContentType(t *testing.T) {
	// Arrange
	queue, ch := newTestSourceQueue(t)
	ack := newFakeAcknowledger()
	require.NoError(t, queue.Start(context.Background()))
	t.Cleanup(func() { _ = queue.Stop(context.Background()) })

	xml := amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, ContentType: "application/xml", Body: []byte("<tweet/>")}
	valid := jsonDelivery(ack, 2, "2", `{"data":"next"}`)

	// Act
	ch.deliveries <- xml
	ch.deliveries <- valid

	// Assert
	msg := <-queue.Messages()
	assert.Equal(t, "2", msg.MessageID, "unsupported messages must never reach the handler")

	nacked, requeue := ack.IsNacked(1)
	assert.True(t, nacked)
	assert.False(t, requeue)
	require.NoError(t, msg.Ack())
}

func TestSourceQueue_ChannelLost(t *testing.T) {
	queue, ch := newTestSourceQueue(t)
	require.NoError(t, queue.Start(context.Background()))

	ch.Fail(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})

	select {
	case <-queue.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after the channel was lost")
	}
	_, open := <-queue.Messages()
	assert.False(t, open)

	var connErr *messagepipeline.ConnectivityError
	assert.ErrorAs(t, queue.Err(), &connErr)
}

func TestSourceQueue_StopRequeuesPending(t *testing.T) {
	// Arrange
	queue, ch := newTestSourceQueue(t)
	ack := newFakeAcknowledger()
	require.NoError(t, queue.Start(context.Background()))

	// Nobody reads Messages(), so the first delivery is held by the consumer
	// loop and the second is still in the client buffer.
	ch.deliveries <- jsonDelivery(ack, 1, "1", `{"data":"a"}`)
	ch.deliveries <- jsonDelivery(ack, 2, "2", `{"data":"b"}`)
	require.Eventually(t, func() bool { return len(ch.deliveries) <= 1 }, time.Second, 5*time.Millisecond)

	// Act
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, queue.Stop(stopCtx))

	// Assert
	for _, tag := range []uint64{1, 2} {
		nacked, requeue := ack.IsNacked(tag)
		assert.True(t, nacked, "delivery %d", tag)
		assert.True(t, requeue, "delivery %d", tag)
	}
	assert.Contains(t, ch.Calls(), "Cancel")
	assert.NoError(t, queue.Err())
}

func TestSourceQueue_ConsumeFailure(t *testing.T) {
	queue, ch := newTestSourceQueue(t)
	ch.consumeErr = amqp.ErrClosed

	err := queue.Start(context.Background())

	var connErr *messagepipeline.ConnectivityError
	require.ErrorAs(t, err, &connErr)
	<-queue.Done()
}

func TestSourceQueue_GetMessage(t *testing.T) {
	queue, ch := newTestSourceQueue(t)
	ack := newFakeAcknowledger()
	ch.getQueue = []amqp.Delivery{
		{Acknowledger: ack, DeliveryTag: 1, ContentType: "text/plain", Body: []byte("hi")},
		jsonDelivery(ack, 2, "2", `{"data":"pulled"}`),
	}

	msg, err := queue.GetMessage(context.Background())
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "2", msg.MessageID)

	nacked, requeue := ack.IsNacked(1)
	assert.True(t, nacked)
	assert.False(t, requeue)

	msg, err = queue.GetMessage(context.Background())
	require.NoError(t, err)
	assert.Nil(t, msg, "empty queue yields no message")
}

func TestSourceQueue_GetMessageClosedChannel(t *testing.T) {
	queue, ch := newTestSourceQueue(t)
	ch.getErr = amqp.ErrClosed

	_, err := queue.GetMessage(context.Background())

	var connErr *messagepipeline.ConnectivityError
	assert.ErrorAs(t, err, &connErr)
}

func TestSourceQueue_AckOnClosedChannel(t *testing.T) {
	queue, ch := newTestSourceQueue(t)
	ack := newFakeAcknowledger()
	ch.getQueue = []amqp.Delivery{jsonDelivery(ack, 1, "1", `{"data":"x"}`)}

	msg, err := queue.GetMessage(context.Background())
	require.NoError(t, err)
	ack.SetError(amqp.ErrClosed)

	err = msg.Ack()

	var connErr *messagepipeline.ConnectivityError
	assert.ErrorAs(t, err, &connErr)
	assert.True(t, msg.Settled())
}
