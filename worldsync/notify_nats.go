package worldsync

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/golang/glog"
)

const DefaultRoleChangeSubject = "auth.roles.changed"

// RoleChangeStream over a NATS subject, for multi-node deployments where
// role edits happen on a different process than the authority
type NatsRoleChangeStream struct {
	subject string
	sub     *nats.Subscription
	changes chan *nats.Msg
}

func NewNatsRoleChangeStream(conn *nats.Conn, subject string) (*NatsRoleChangeStream, error) {
	changes := make(chan *nats.Msg, notifyBufferSize)
	sub, err := conn.ChanSubscribe(subject, changes)
	if err != nil {
		return nil, err
	}
	return &NatsRoleChangeStream{
		subject: subject,
		sub:     sub,
		changes: changes,
	}, nil
}

func (self *NatsRoleChangeStream) Next(ctx context.Context) (*RoleChange, error) {
	for {
		select {
		case msg, ok := <-self.changes:
			if !ok {
				return nil, errStreamClosed
			}
			var change RoleChange
			if err := json.Unmarshal(msg.Data, &change); err != nil {
				// malformed payload. skip, never tear down the stream
				glog.Infof("[n]malformed role change on %s = %s\n", self.subject, err)
				continue
			}
			return &change, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (self *NatsRoleChangeStream) Close() error {
	return self.sub.Unsubscribe()
}

func PublishRoleChange(conn *nats.Conn, subject string, agentId string) error {
	b, err := json.Marshal(&RoleChange{
		AgentId: agentId,
	})
	if err != nil {
		return err
	}
	return conn.Publish(subject, b)
}
