package listener

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/arzzra/intercom/pkg/sip/message"
)

// lockCommand is the JSON-RPC 2.0 envelope the gateway expects inside a
// MESSAGE body for door control.
type lockCommand struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      uint64       `json:"id"`
	Method  string       `json:"method"`
	Params  []lockParams `json:"params"`
}

type lockParams struct {
	Lock   string `json:"lock"`
	Status string `json:"status"`
}

// OpenLock asks the gateway to release the named lock. The command rides a
// SIP MESSAGE carrying a JSON-RPC "lock.setStatus" call and resolves with
// the gateway's response; one command may be in flight at a time.
func (l *Listener) OpenLock(ctx context.Context, lockID string) error {
	l.mu.Lock()
	s := l.sess
	if s == nil || !s.registered {
		l.mu.Unlock()
		return ErrNotRegistered
	}
	if l.cmdWaiter != nil {
		l.mu.Unlock()
		return ErrCommandInFlight
	}

	l.cmdSeq++
	body, err := json.Marshal(lockCommand{
		JSONRPC: "2.0",
		ID:      l.cmdSeq,
		Method:  "lock.setStatus",
		Params:  []lockParams{{Lock: lockID, Status: "open"}},
	})
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("encode lock command: %w", err)
	}

	s.cseq++
	req := message.BuildMessage(l.account.Username, l.account.Domain,
		"sip:"+l.account.Domain, message.MessageParams{
			CallID:      uuid.NewString(),
			Tag:         newTag(),
			Branch:      "z9hG4bK-" + newTag(),
			CSeq:        s.cseq,
			ContentType: "application/json",
			Body:        body,
		})

	waiter := make(chan error, 1)
	l.cmdWaiter = waiter
	l.mu.Unlock()

	l.log.Info("opening lock", "lock", lockID)

	if err := l.send(s, req); err != nil {
		l.mu.Lock()
		if l.cmdWaiter == waiter {
			l.cmdWaiter = nil
		}
		l.mu.Unlock()
		return err
	}

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		l.mu.Lock()
		if l.cmdWaiter == waiter {
			l.cmdWaiter = nil
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}
