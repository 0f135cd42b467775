package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	consult "github.com/bt-bridge/consult-rtc"
	"github.com/bt-bridge/consult-rtc/directory"
	"github.com/bt-bridge/consult-rtc/media"
	"github.com/bt-bridge/consult-rtc/shared"
	"github.com/bt-bridge/consult-rtc/tools"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

// ContactLister is the part of the directory client the agent needs.
type ContactLister interface {
	Contacts(ctx context.Context) ([]directory.Contact, error)
}

type CLIAgentConfig struct {
	Identity    shared.Identity
	Transport   consult.Transport
	Acquirer    media.Acquirer
	NewPeerLink consult.PeerLinkFactory
	// Directory is optional; without it the contacts command is unavailable.
	Directory    ContactLister
	Constraints  media.Constraints
	SetupTimeout time.Duration
	TypingIdle   time.Duration
	PresenceTTL  time.Duration
	Metrics      *shared.Metrics
}

type CLIState struct {
	call     consult.CallState
	printed  map[string]struct{}
	typing   bool
	finished bool

	// received holds stats per remote track of the current call.
	received  map[string]*tools.ReceiveStats
	kinds     map[string]string
	callCtx   context.Context
	stopDrain context.CancelFunc
}

func NewCLIState() *CLIState {
	return &CLIState{
		call:     consult.CallStateIdle,
		printed:  make(map[string]struct{}),
		received: make(map[string]*tools.ReceiveStats),
		kinds:    make(map[string]string),
	}
}

// CLIAgent drives one call session and one chat channel from line commands
// and narrates their state changes through a Printer.
type CLIAgent struct {
	logger    shared.LoggerAdapter
	printer   *shared.Printer
	identity  shared.Identity
	session   *consult.CallSession
	chat      *consult.ChatChannel
	directory ContactLister
	state     *CLIState
	subs      []*consult.Subscription

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (a *CLIAgent) Spawn(ctx context.Context, logger shared.LoggerAdapter, cfg CLIAgentConfig, printer *shared.Printer) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger.With(zap.String("component", "agent"))
	a.printer = printer
	a.identity = cfg.Identity
	a.directory = cfg.Directory
	a.state = NewCLIState()
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	a.logger.Info("spawning CLI agent", zap.String("party", cfg.Identity.ID), zap.String("role", string(cfg.Identity.Role)))
	a.say("🩺 Consultation agent for %s (%s)", cfg.Identity.ID, cfg.Identity.Role)

	var err error
	a.session, err = consult.NewCallSession(a.logger, consult.SessionConfig{
		Identity:     cfg.Identity,
		Transport:    cfg.Transport,
		Acquirer:     cfg.Acquirer,
		NewPeerLink:  cfg.NewPeerLink,
		Constraints:  cfg.Constraints,
		SetupTimeout: cfg.SetupTimeout,
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		a.logger.Error("creating call session", err)
		a.cancel()
		return err
	}
	a.chat, err = consult.NewChatChannel(a.logger, consult.ChatConfig{
		Identity:    cfg.Identity,
		Transport:   cfg.Transport,
		TypingIdle:  cfg.TypingIdle,
		PresenceTTL: cfg.PresenceTTL,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		a.logger.Error("creating chat channel", err)
		_ = a.session.Close()
		a.cancel()
		return err
	}
	a.subs = []*consult.Subscription{
		a.session.OnChange(a.onCall),
		a.chat.OnChange(a.onChat),
		cfg.Transport.OnDisconnect(a.onTransportLost),
	}
	a.say("✅ Ready. Type \"help\" for commands.\n")
	return nil
}

func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Run reads commands from in until EOF, quit or ctx ends.
func (a *CLIAgent) Run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-a.done:
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case line, ok := <-lines:
			if !ok {
				_ = a.Close()
				return
			}
			if err := a.Handle(ctx, line); err != nil {
				a.logger.Debug("command failed", zap.String("line", line), zap.Error(err))
			}
			select {
			case <-a.done:
				return
			default:
			}
		}
	}
}

// Handle executes one command line.
func (a *CLIAgent) Handle(ctx context.Context, line string) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "":
		return nil
	case "help":
		a.help()
	case "call":
		err = a.session.StartCall(ctx, arg, a.identity.Name)
	case "answer":
		err = a.session.AnswerCall(ctx)
	case "reject":
		err = a.session.RejectCall()
	case "hangup", "end":
		err = a.session.EndCall()
	case "mute":
		err = a.mute(arg)
	case "open":
		if err = a.chat.OpenThread(arg); err == nil {
			a.say("💬 Chat with %s", arg)
		}
	case "close":
		a.chat.CloseThread()
	case "say":
		err = a.withThread(func(remote string) error { return a.chat.Send(remote, arg) })
	case "type":
		err = a.withThread(a.chat.Keystroke)
	case "contacts":
		err = a.contacts(ctx)
	case "status":
		err = a.status()
	case "quit", "exit":
		return a.Close()
	default:
		err = fmt.Errorf("%w: %s", shared.ErrUnknownCommand, cmd)
	}
	// failures that ended a call were already narrated by onCall
	if err != nil && !errors.Is(a.session.Snapshot().LastError, err) {
		a.fail(err)
	}
	return err
}

func (a *CLIAgent) help() {
	a.say("Commands:")
	for _, l := range []string{
		"call <id>      start a video call",
		"answer         accept the incoming call",
		"reject         decline the incoming call",
		"hangup         end the current call",
		"mute audio|video",
		"open <id>      open the chat thread with <id>",
		"close          close the chat thread",
		"say <text>     send a chat message",
		"type           signal that you are typing",
		"contacts       list contacts",
		"status         show session state",
		"quit",
	} {
		_ = a.printer.Writeln(l, 1)
	}
}

func (a *CLIAgent) mute(kind string) error {
	var (
		muted bool
		err   error
	)
	switch kind {
	case "audio", "":
		kind = "audio"
		muted, err = a.session.ToggleAudio()
	case "video":
		muted, err = a.session.ToggleVideo()
	default:
		return fmt.Errorf("%w: mute %s", shared.ErrUnknownCommand, kind)
	}
	if err != nil {
		return err
	}
	if muted {
		a.say("🔇 %s muted", kind)
	} else {
		a.say("🔊 %s unmuted", kind)
	}
	return nil
}

func (a *CLIAgent) withThread(fn func(remote string) error) error {
	open := a.chat.Snapshot().Open
	if open == "" {
		return shared.ErrNoOpenThread
	}
	return fn(open)
}

func (a *CLIAgent) contacts(ctx context.Context) error {
	if a.directory == nil {
		return errors.New("no contact directory configured")
	}
	list, err := a.directory.Contacts(ctx)
	if err != nil {
		return err
	}
	unread := a.chat.Snapshot().Unread
	a.say("📇 Contacts")
	for _, c := range list {
		mark := "⚪"
		if c.Online {
			mark = "🟢"
		}
		line := fmt.Sprintf("%s %s  %s (%s)", mark, c.ID, c.Name, c.Role)
		if n := unread[c.ID]; n > 0 {
			line += fmt.Sprintf("  [%d unread]", n)
		}
		_ = a.printer.Writeln(line, 1)
	}
	return nil
}

type statusView struct {
	Party     string         `yaml:"party"`
	Role      string         `yaml:"role"`
	Call      string         `yaml:"call"`
	Remote    string         `yaml:"remote,omitempty"`
	Muted     []string       `yaml:"muted,omitempty"`
	LastError string         `yaml:"last_error,omitempty"`
	Chat      string         `yaml:"chat,omitempty"`
	Unread    map[string]int `yaml:"unread,omitempty"`
	// Received is keyed by track kind.
	Received map[string]string `yaml:"received,omitempty"`
}

func (a *CLIAgent) status() error {
	snap := a.session.Snapshot()
	chat := a.chat.Snapshot()
	view := statusView{
		Party:  a.identity.ID,
		Role:   string(a.identity.Role),
		Call:   snap.State.String(),
		Remote: snap.RemotePartyID,
		Chat:   chat.Open,
		Unread: chat.Unread,
	}
	if snap.AudioMuted {
		view.Muted = append(view.Muted, "audio")
	}
	if snap.VideoMuted {
		view.Muted = append(view.Muted, "video")
	}
	if snap.LastError != nil {
		view.LastError = snap.LastError.Error()
	}
	a.mu.Lock()
	for id, stats := range a.state.received {
		if view.Received == nil {
			view.Received = make(map[string]string)
		}
		view.Received[a.state.kinds[id]] = stats.Snapshot().String()
	}
	a.mu.Unlock()
	out, err := yaml.Marshal(&view)
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	return a.printer.Write(string(out), 1)
}

func (a *CLIAgent) onCall(snap consult.Snapshot) {
	a.mu.Lock()
	prev := a.state.call
	a.state.call = snap.State
	if snap.State == consult.CallStateConnected && snap.RemoteMedia != nil {
		a.drainLocked(snap.RemoteMedia.Tracks())
	}
	if snap.State == consult.CallStateEnded {
		a.stopDrainLocked()
	}
	a.mu.Unlock()
	if prev == snap.State {
		return
	}
	switch snap.State {
	case consult.CallStateOffering:
		a.say("📞 Calling %s...", snap.RemotePartyID)
	case consult.CallStateRinging:
		name := snap.RemotePartyID
		if snap.CallData != nil && snap.CallData.CallerName != "" {
			name = fmt.Sprintf("%s (%s)", snap.CallData.CallerName, snap.RemotePartyID)
		}
		a.say("🔔 Incoming call from %s. Type \"answer\" or \"reject\".", name)
	case consult.CallStateConnected:
		a.say("✅ Connected with %s", snap.RemotePartyID)
	case consult.CallStateEnded:
		if snap.LastError != nil {
			a.say("📴 Call ended: %s", describe(snap.LastError))
		} else {
			a.say("📴 Call ended")
		}
	}
}

func (a *CLIAgent) onChat(snap consult.ChatSnapshot) {
	a.mu.Lock()
	var fresh []consult.Message
	for _, m := range snap.Thread {
		if _, ok := a.state.printed[m.ID]; ok {
			continue
		}
		a.state.printed[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}
	typing := snap.Open != "" && snap.Typing[snap.Open]
	announce := typing && !a.state.typing
	a.state.typing = typing
	a.mu.Unlock()

	for _, m := range fresh {
		who := m.SenderID
		if who == a.identity.ID {
			who = "you"
		}
		_ = a.printer.Writef(1, "[%s] %s: %s", m.Timestamp.Local().Format("15:04"), who, m.Body)
	}
	if announce {
		_ = a.printer.Writef(1, "✍️  %s is typing...", snap.Open)
	}
}

// drainLocked starts reading every new remote track so the receive side
// keeps flowing and status can report what arrived.
func (a *CLIAgent) drainLocked(tracks []media.RemoteTrack) {
	for _, t := range tracks {
		if _, ok := a.state.received[t.ID()]; ok {
			continue
		}
		r, ok := t.(tools.RTPReader)
		if !ok {
			continue
		}
		if a.state.stopDrain == nil {
			a.state.callCtx, a.state.stopDrain = context.WithCancel(a.ctx)
		}
		ctx := a.state.callCtx
		stats := new(tools.ReceiveStats)
		a.state.received[t.ID()] = stats
		a.state.kinds[t.ID()] = t.Kind().String()
		go func(id string) {
			if err := tools.Drain(ctx, a.logger, r, stats); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Debug("remote track ended", zap.String("track", id), zap.Error(err))
			}
		}(t.ID())
	}
}

func (a *CLIAgent) stopDrainLocked() {
	if a.state.stopDrain == nil {
		return
	}
	a.state.stopDrain()
	a.state.stopDrain = nil
	a.state.callCtx = nil
	clear(a.state.received)
	clear(a.state.kinds)
}

func (a *CLIAgent) onTransportLost(err error) {
	a.logger.Error("relay connection lost", err)
	a.say("❌ Lost connection to the relay.")
	_ = a.Close()
}

func describe(err error) string {
	var me *media.Error
	if errors.As(err, &me) {
		return me.Kind.Message()
	}
	return err.Error()
}

func (a *CLIAgent) fail(err error) {
	a.say("❌ %s", describe(err))
}

func (a *CLIAgent) say(format string, args ...any) {
	if err := a.printer.Writef(0, format, args...); err != nil {
		a.logger.Error("printing", err)
	}
}

// Close ends any call, stops the chat channel and releases Done.
func (a *CLIAgent) Close() error {
	a.mu.Lock()
	if a.state == nil || a.state.finished || a.chat == nil {
		a.mu.Unlock()
		return nil
	}
	a.state.finished = true
	subs := a.subs
	a.subs = nil
	a.stopDrainLocked()
	a.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	err := errors.Join(a.session.Close(), a.chat.Close())
	a.cancel()
	close(a.done)
	a.logger.Info("CLI agent closed")
	return err
}
