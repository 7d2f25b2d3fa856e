package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/lead-inbox/internal/apperr"
)

type published struct {
	subject string
	data    []byte
	opts    int
}

type fakePublisher struct {
	sent []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.sent = append(p.sent, published{subject: subject, data: payload, opts: len(opts)})
	return &jetstream.PubAck{Stream: StreamName, Sequence: uint64(len(p.sent))}, nil
}

func TestErrorSubject(t *testing.T) {
	require.Equal(t, "client.errors.network", ErrorSubject(apperr.KindNetwork))
	require.Equal(t, "client.errors.a_b_c", ErrorSubject("a.b*c"))
	require.Equal(t, "client.errors.>", ErrorFilter())
}

func TestPublishError(t *testing.T) {
	pub := &fakePublisher{}
	m := &StreamManager{pub: pub}

	e := apperr.New(apperr.KindAPI, "gateway returned 502", apperr.WithStatus(502), apperr.WithUserID("u-1"))
	seq, err := m.PublishError(context.Background(), e)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	require.Len(t, pub.sent, 1)
	require.Equal(t, "client.errors.api", pub.sent[0].subject)
	require.Equal(t, 1, pub.sent[0].opts)

	var decoded apperr.AppError
	require.NoError(t, json.Unmarshal(pub.sent[0].data, &decoded))
	require.Equal(t, e.ID, decoded.ID)
	require.Equal(t, apperr.KindAPI, decoded.Kind)
	require.Equal(t, 502, decoded.Status)
	require.Equal(t, "u-1", decoded.UserID)
}

func TestErrorHandlerReportsPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("no responders")}
	m := &StreamManager{pub: pub}

	err := m.ErrorHandler()(context.Background(), apperr.New(apperr.KindNetwork, "offline"))
	require.ErrorContains(t, err, "no responders")
}
