package node

import (
	"context"
	"errors"

	"github.com/shurlinet/meshveil/pkg/meshnet"
)

// transportSender adapts pkg/meshnet.Transport to the narrow Sender
// interfaces internal/gossip and internal/dht each define. A message
// is sent over the ESTABLISHED reliable connection to addr; if none
// exists yet, a dial is kicked off and the caller's send is treated as
// best-effort (both gossip and dht already log-and-continue on error).
type transportSender struct {
	transport *meshnet.Transport
}

func (s *transportSender) Send(ctx context.Context, addr string, msg meshnet.Message) error {
	data, err := msg.EncodeMessage()
	if err != nil {
		return err
	}

	if err := s.transport.SendReliable(addr, data); err != nil {
		if errors.Is(err, meshnet.ErrNotEstablished) {
			s.transport.Dial(addr)
		}
		return err
	}
	return nil
}
