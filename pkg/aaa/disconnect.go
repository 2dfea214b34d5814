package aaa

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
)

// DisconnectConfig configures RFC 5176 Disconnect-Messages sent directly
// to the NAS.
type DisconnectConfig struct {
	Secret  string
	Port    int // default 3799
	Timeout time.Duration
}

// DisconnectSender sends Disconnect-Request packets to a NAS. It is the
// fallback when the AAA REST API cannot terminate a session.
type DisconnectSender struct {
	secret  []byte
	port    int
	timeout time.Duration
	logger  *zap.Logger
}

// NewDisconnectSender creates a Disconnect-Message sender.
func NewDisconnectSender(cfg DisconnectConfig, logger *zap.Logger) (*DisconnectSender, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("shared secret required")
	}
	port := cfg.Port
	if port == 0 {
		port = 3799
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DisconnectSender{
		secret:  []byte(cfg.Secret),
		port:    port,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Disconnect asks the NAS at nasAddress to drop the session. nasAddress
// may carry a port; otherwise the configured port is used.
func (s *DisconnectSender) Disconnect(ctx context.Context, nasAddress string, session *RemoteSession) error {
	if nasAddress == "" {
		return fmt.Errorf("NAS address required")
	}
	addr := nasAddress
	if _, _, err := net.SplitHostPort(nasAddress); err != nil {
		addr = net.JoinHostPort(nasAddress, strconv.Itoa(s.port))
	}

	packet := radius.New(radius.CodeDisconnectRequest, s.secret)
	if err := rfc2865.UserName_SetString(packet, session.User); err != nil {
		return fmt.Errorf("set User-Name: %w", err)
	}
	if session.ID != "" {
		if err := rfc2866.AcctSessionID_SetString(packet, session.ID); err != nil {
			return fmt.Errorf("set Acct-Session-Id: %w", err)
		}
	}
	if ip := net.ParseIP(session.Address); ip != nil && ip.To4() != nil {
		if err := rfc2865.FramedIPAddress_Set(packet, ip); err != nil {
			return fmt.Errorf("set Framed-IP-Address: %w", err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	response, err := radius.Exchange(reqCtx, packet, addr)
	if err != nil {
		return fmt.Errorf("disconnect-request to %s: %w", addr, err)
	}

	switch response.Code {
	case radius.CodeDisconnectACK:
		s.logger.Info("Session disconnected via Disconnect-Message",
			zap.String("nas", addr),
			zap.String("username", session.User),
		)
		return nil
	case radius.CodeDisconnectNAK:
		return fmt.Errorf("disconnect-request to %s rejected", addr)
	default:
		return fmt.Errorf("disconnect-request to %s: unexpected response code %v", addr, response.Code)
	}
}
