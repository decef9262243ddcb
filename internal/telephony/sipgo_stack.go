package telephony

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// sipgoStack implements sipStack with sipgo dialog caches.
type sipgoStack struct {
	opts SIPOptions
	log  *slog.Logger

	ua        *sipgo.UserAgent
	client    *sipgo.Client
	server    *sipgo.Server
	dialogCli *sipgo.DialogClientCache
	dialogSrv *sipgo.DialogServerCache

	mu       sync.Mutex
	outbound map[string]*sipgo.DialogClientSession
	inbound  map[string]*sipgo.DialogServerSession
}

func newSipgoStack(opts SIPOptions, log *slog.Logger) (*sipgoStack, error) {
	if opts.UserAgent == "" {
		opts.UserAgent = "collections-dialer"
	}
	host, port, err := splitListenAddr(opts.ListenAddr)
	if err != nil {
		return nil, err
	}
	if opts.ExternalHost != "" {
		host = opts.ExternalHost
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(opts.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("sip: init ua: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(host))
	if err != nil {
		return nil, fmt.Errorf("sip: new client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("sip: new server: %w", err)
	}

	contact := sip.ContactHeader{
		DisplayName: opts.DisplayName,
		Address:     sip.Uri{User: opts.Username, Host: host, Port: port},
	}

	return &sipgoStack{
		opts:      opts,
		log:       log,
		ua:        ua,
		client:    client,
		server:    server,
		dialogCli: sipgo.NewDialogClientCache(client, contact),
		dialogSrv: sipgo.NewDialogServerCache(client, contact),
		outbound:  make(map[string]*sipgo.DialogClientSession),
		inbound:   make(map[string]*sipgo.DialogServerSession),
	}, nil
}

func (s *sipgoStack) Serve(ctx context.Context, h sipHandler) error {
	s.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		dlg, err := s.dialogSrv.ReadInvite(req, tx)
		if err != nil {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
			return
		}
		callID := req.CallID().Value()

		s.mu.Lock()
		s.inbound[callID] = dlg
		s.mu.Unlock()

		if err := dlg.Respond(180, "Ringing", nil); err != nil {
			s.log.Warn("180 failed", "call_id", callID, "err", err)
		}

		var display, user string
		if from := req.From(); from != nil {
			display = from.DisplayName
			user = from.Address.User
		}
		h.onInvite(callID, display, user)

		// The transaction must stay alive until it is answered or abandoned.
		select {
		case <-tx.Done():
		case <-ctx.Done():
		}
	})

	s.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		s.dialogSrv.ReadAck(req, tx)
	})

	s.server.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
		callID := req.CallID().Value()
		s.mu.Lock()
		dlg := s.inbound[callID]
		s.mu.Unlock()
		if dlg != nil {
			_ = dlg.Respond(487, "Request Terminated", nil)
		}
		h.onCancel(callID)
	})

	s.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		if err := s.dialogSrv.ReadBye(req, tx); err != nil {
			if err := s.dialogCli.ReadBye(req, tx); err != nil {
				_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
				return
			}
		}
		h.onBye(req.CallID().Value())
	})

	network := strings.ToLower(s.opts.Transport)
	if network == "" {
		network = "udp"
	}

	var tlsConf *tls.Config
	if network == "tls" {
		cert, err := tls.LoadX509KeyPair(s.opts.TLSCertFile, s.opts.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("sip: load tls keypair: %w", err)
		}
		tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	go func() {
		var err error
		if tlsConf != nil {
			err = s.server.ListenAndServeTLS(ctx, network, s.opts.ListenAddr, tlsConf)
		} else {
			err = s.server.ListenAndServe(ctx, network, s.opts.ListenAddr)
		}
		if err != nil && ctx.Err() == nil {
			s.log.Error("sip listener stopped", "network", network, "addr", s.opts.ListenAddr, "err", err)
		}
	}()
	return nil
}

func (s *sipgoStack) Invite(ctx context.Context, target string) (string, error) {
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return "", fmt.Errorf("sip: parse %q: %w", target, err)
	}
	sess, err := s.dialogCli.Invite(ctx, uri, nil)
	if err != nil {
		return "", err
	}
	callID := sess.InviteRequest.CallID().Value()

	s.mu.Lock()
	s.outbound[callID] = sess
	s.mu.Unlock()
	return callID, nil
}

func (s *sipgoStack) WaitAnswer(ctx context.Context, callID string, onProvisional func(code int)) error {
	sess, err := s.outboundSession(callID)
	if err != nil {
		return err
	}
	err = sess.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: s.opts.Username,
		Password: s.opts.Password,
		OnResponse: func(res *sip.Response) error {
			if res.StatusCode < 200 && onProvisional != nil {
				onProvisional(int(res.StatusCode))
			}
			return nil
		},
	})
	var de *sipgo.ErrDialogResponse
	if errors.As(err, &de) && de.Res != nil {
		return &SIPStatusError{Code: int(de.Res.StatusCode), Reason: de.Res.Reason}
	}
	return err
}

func (s *sipgoStack) Ack(ctx context.Context, callID string) error {
	sess, err := s.outboundSession(callID)
	if err != nil {
		return err
	}
	return sess.Ack(ctx)
}

func (s *sipgoStack) Bye(ctx context.Context, callID string) error {
	s.mu.Lock()
	out := s.outbound[callID]
	in := s.inbound[callID]
	s.mu.Unlock()

	switch {
	case out != nil:
		return out.Bye(ctx)
	case in != nil:
		return in.Bye(ctx)
	default:
		return ErrNotFound
	}
}

func (s *sipgoStack) Answer(callID string) error {
	sess, err := s.inboundSession(callID)
	if err != nil {
		return err
	}
	return sess.Respond(200, "OK", nil)
}

func (s *sipgoStack) Decline(callID string) error {
	sess, err := s.inboundSession(callID)
	if err != nil {
		return err
	}
	return sess.Respond(603, "Decline", nil)
}

func (s *sipgoStack) Forget(callID string) {
	s.mu.Lock()
	delete(s.outbound, callID)
	delete(s.inbound, callID)
	s.mu.Unlock()
}

func (s *sipgoStack) Close() error {
	return s.ua.Close()
}

func (s *sipgoStack) outboundSession(callID string) (*sipgo.DialogClientSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.outbound[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *sipgoStack) inboundSession(callID string) (*sipgo.DialogServerSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.inbound[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

func splitListenAddr(addr string) (string, int, error) {
	if addr == "" {
		addr = "0.0.0.0:5060"
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("sip: listen addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("sip: listen port %q: %w", portStr, err)
	}
	return host, port, nil
}
