package consult

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bt-bridge/consult-rtc/shared"
	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pion/webrtc/v4"
)

type EventName string

// Call signaling events
const (
	EventCallUser     EventName = "callUser"
	EventCallReceived EventName = "callReceived"
	EventAnswerCall   EventName = "answerCall"
	EventCallAnswered EventName = "callAnswered"
	EventICECandidate EventName = "ICECandidate"
	EventEndCall      EventName = "endCall"
	EventCallEnded    EventName = "callEnded"
	EventRejectCall   EventName = "rejectCall"
	EventCallRejected EventName = "callRejected"
)

// Chat and presence events
const (
	EventJoinChat         EventName = "joinChat"
	EventPreviousMessages EventName = "previousMessages"
	EventSendMessage      EventName = "sendMessage"
	EventReceiveMessage   EventName = "receiveMessage"
	EventTyping           EventName = "typing"
)

// EventParam is the payload of one named event. New fills the param from the
// decoded "data" value and validates it; Json returns the value to encode.
type EventParam interface {
	New(raw any) error
	Json() any
}

// NewParam returns an empty param for name.
func NewParam(name EventName) (EventParam, error) {
	switch name {
	case EventCallUser, EventCallReceived:
		return new(CallOffer), nil
	case EventAnswerCall, EventCallAnswered:
		return new(CallAnswer), nil
	case EventICECandidate:
		return new(CandidateParam), nil
	case EventEndCall, EventCallEnded, EventRejectCall, EventCallRejected, EventJoinChat:
		return new(PairParam), nil
	case EventPreviousMessages:
		return new(MessageList), nil
	case EventSendMessage, EventReceiveMessage:
		return new(Message), nil
	case EventTyping:
		return new(TypingParam), nil
	}
	return nil, fmt.Errorf("%w: %s", shared.ErrUnknownEvent, name)
}

// Envelope is one frame on the relay connection: {"event": ..., "data": ...}.
type Envelope struct {
	Event EventName
	Param EventParam
}

func (e *Envelope) wire() (map[string]any, error) {
	if e.Event == "" {
		return nil, errors.New("Event is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	return map[string]any{
		"event": string(e.Event),
		"data":  e.Param.Json(),
	}, nil
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	w, err := e.wire()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(w)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidEvent, err)
	}
	return e.fromWire(raw)
}

func (e *Envelope) MarshalYAML() ([]byte, error) {
	w, err := e.wire()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(w, yaml.UseJSONMarshaler())
}

func (e *Envelope) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidEvent, err)
	}
	return e.fromWire(raw)
}

func (e *Envelope) fromWire(raw map[string]any) error {
	name, ok := raw["event"].(string)
	if !ok || name == "" {
		return fmt.Errorf("%w: missing event", shared.ErrInvalidEvent)
	}
	param, err := NewParam(EventName(name))
	if err != nil {
		return err
	}
	data, ok := raw["data"]
	if !ok {
		return fmt.Errorf("%w: %s: missing data", shared.ErrInvalidEvent, name)
	}
	if err := param.New(data); err != nil {
		return fmt.Errorf("%w: %s: %v", shared.ErrInvalidEvent, name, err)
	}
	e.Event = EventName(name)
	e.Param = param
	return nil
}

// EncodeEnvelope validates param against name and encodes the frame.
func EncodeEnvelope(name EventName, param EventParam) ([]byte, error) {
	if _, err := NewParam(name); err != nil {
		return nil, err
	}
	if v, ok := param.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", shared.ErrInvalidEvent, name, err)
		}
	}
	return (&Envelope{Event: name, Param: param}).MarshalJSON()
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := env.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return env, nil
}

// Pair is the routing key carried by every call and chat event.
type Pair struct {
	UserID   string
	DoctorID string
}

// PairFor builds the pair for a local party playing role talking to remote.
func PairFor(role shared.Role, local, remote string) Pair {
	if role == shared.RoleDoctor {
		return Pair{UserID: remote, DoctorID: local}
	}
	return Pair{UserID: local, DoctorID: remote}
}

// Local is the id of the party playing role.
func (p Pair) Local(role shared.Role) string {
	if role == shared.RoleDoctor {
		return p.DoctorID
	}
	return p.UserID
}

// Remote is the id of the counterpart of role.
func (p Pair) Remote(role shared.Role) string {
	if role == shared.RoleDoctor {
		return p.UserID
	}
	return p.DoctorID
}

func (p Pair) Validate() error {
	if p.UserID == "" {
		return errors.New("missing userId")
	}
	if p.DoctorID == "" {
		return errors.New("missing doctorId")
	}
	return nil
}

func (p *Pair) new(m map[string]any) error {
	p.UserID, _ = m["userId"].(string)
	p.DoctorID, _ = m["doctorId"].(string)
	return p.Validate()
}

func (p Pair) json() map[string]any {
	return map[string]any{
		"userId":   p.UserID,
		"doctorId": p.DoctorID,
	}
}

// PairOf returns the routing pair of a param, if it carries one.
func PairOf(param EventParam) (Pair, bool) {
	switch p := param.(type) {
	case *CallOffer:
		return p.Pair, true
	case *CallAnswer:
		return p.Pair, true
	case *CandidateParam:
		return p.Pair, true
	case *PairParam:
		return p.Pair, true
	case *TypingParam:
		return p.Pair, true
	case *Message:
		return p.Pair, true
	}
	return Pair{}, false
}

func asMap(raw any) (map[string]any, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("data is not an object")
	}
	return m, nil
}

// Helpers for number conversions
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func sessionDescriptionFrom(raw any, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return webrtc.SessionDescription{}, errors.New("session description is not an object")
	}
	typ, _ := m["type"].(string)
	sdp, _ := m["sdp"].(string)
	if webrtc.NewSDPType(typ) != want {
		return webrtc.SessionDescription{}, fmt.Errorf("session description type %q, want %q", typ, want.String())
	}
	if sdp == "" {
		return webrtc.SessionDescription{}, errors.New("empty sdp")
	}
	return webrtc.SessionDescription{Type: want, SDP: sdp}, nil
}

func sessionDescriptionJson(sd webrtc.SessionDescription) map[string]any {
	return map[string]any{
		"type": sd.Type.String(),
		"sdp":  sd.SDP,
	}
}

// CallOffer is the payload of callUser / callReceived.
type CallOffer struct {
	Pair
	Offer      webrtc.SessionDescription
	CallerRole shared.Role
	CallerName string
}

func (p *CallOffer) New(raw any) error {
	m, err := asMap(raw)
	if err != nil {
		return err
	}
	if err := p.Pair.new(m); err != nil {
		return err
	}
	if p.Offer, err = sessionDescriptionFrom(m["offer"], webrtc.SDPTypeOffer); err != nil {
		return fmt.Errorf("offer: %w", err)
	}
	role, _ := m["callerRole"].(string)
	if p.CallerRole, err = shared.ParseRole(role); err != nil {
		return fmt.Errorf("callerRole: %w", err)
	}
	p.CallerName, _ = m["callerName"].(string)
	return nil
}

func (p *CallOffer) Validate() error {
	if err := p.Pair.Validate(); err != nil {
		return err
	}
	if p.Offer.Type != webrtc.SDPTypeOffer || p.Offer.SDP == "" {
		return errors.New("offer is not a session offer")
	}
	if !p.CallerRole.Valid() {
		return shared.ErrInvalidRole
	}
	return nil
}

func (p *CallOffer) Json() any {
	m := p.Pair.json()
	m["offer"] = sessionDescriptionJson(p.Offer)
	m["callerRole"] = string(p.CallerRole)
	m["callerName"] = p.CallerName
	return m
}

// CallAnswer is the payload of answerCall / callAnswered.
type CallAnswer struct {
	Pair
	Answer webrtc.SessionDescription
}

func (p *CallAnswer) New(raw any) error {
	m, err := asMap(raw)
	if err != nil {
		return err
	}
	if err := p.Pair.new(m); err != nil {
		return err
	}
	if p.Answer, err = sessionDescriptionFrom(m["answer"], webrtc.SDPTypeAnswer); err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	return nil
}

func (p *CallAnswer) Validate() error {
	if err := p.Pair.Validate(); err != nil {
		return err
	}
	if p.Answer.Type != webrtc.SDPTypeAnswer || p.Answer.SDP == "" {
		return errors.New("answer is not a session answer")
	}
	return nil
}

func (p *CallAnswer) Json() any {
	m := p.Pair.json()
	m["answer"] = sessionDescriptionJson(p.Answer)
	return m
}

// CandidateParam is the payload of ICECandidate in both directions.
type CandidateParam struct {
	Pair
	Candidate webrtc.ICECandidateInit
}

func (p *CandidateParam) New(raw any) error {
	m, err := asMap(raw)
	if err != nil {
		return err
	}
	if err := p.Pair.new(m); err != nil {
		return err
	}
	c, ok := m["candidate"].(map[string]any)
	if !ok {
		return errors.New("missing candidate")
	}
	cand, ok := c["candidate"].(string)
	if !ok {
		return errors.New("missing candidate.candidate")
	}
	p.Candidate = webrtc.ICECandidateInit{Candidate: cand}
	if v, ok := c["sdpMid"].(string); ok {
		p.Candidate.SDPMid = &v
	}
	if v, ok := asInt(c["sdpMLineIndex"]); ok {
		if v < 0 || v > math.MaxUint16 {
			return fmt.Errorf("sdpMLineIndex %d out of range", v)
		}
		idx := uint16(v)
		p.Candidate.SDPMLineIndex = &idx
	}
	if v, ok := c["usernameFragment"].(string); ok {
		p.Candidate.UsernameFragment = &v
	}
	return nil
}

func (p *CandidateParam) Validate() error {
	return p.Pair.Validate()
}

func (p *CandidateParam) Json() any {
	c := map[string]any{"candidate": p.Candidate.Candidate}
	if p.Candidate.SDPMid != nil {
		c["sdpMid"] = *p.Candidate.SDPMid
	}
	if p.Candidate.SDPMLineIndex != nil {
		c["sdpMLineIndex"] = *p.Candidate.SDPMLineIndex
	}
	if p.Candidate.UsernameFragment != nil {
		c["usernameFragment"] = *p.Candidate.UsernameFragment
	}
	m := p.Pair.json()
	m["candidate"] = c
	return m
}

// PairParam carries only the routing pair: endCall, rejectCall, joinChat and
// their relay-side counterparts.
type PairParam struct {
	Pair
}

func (p *PairParam) New(raw any) error {
	m, err := asMap(raw)
	if err != nil {
		return err
	}
	return p.Pair.new(m)
}

func (p *PairParam) Validate() error {
	return p.Pair.Validate()
}

func (p *PairParam) Json() any {
	return p.Pair.json()
}

// TypingParam is the payload of typing in both directions.
type TypingParam struct {
	Pair
	IsTyping bool
}

func (p *TypingParam) New(raw any) error {
	m, err := asMap(raw)
	if err != nil {
		return err
	}
	if err := p.Pair.new(m); err != nil {
		return err
	}
	v, ok := m["isTyping"].(bool)
	if !ok {
		return errors.New("missing isTyping")
	}
	p.IsTyping = v
	return nil
}

func (p *TypingParam) Validate() error {
	return p.Pair.Validate()
}

func (p *TypingParam) Json() any {
	m := p.Pair.json()
	m["isTyping"] = p.IsTyping
	return m
}

// Message is one chat record. Outbound sendMessage leaves ID and Timestamp
// empty; the relay assigns them on echo.
type Message struct {
	Pair
	ID         string
	SenderID   string
	SenderRole shared.Role
	Body       string
	Timestamp  time.Time
}

func (p *Message) New(raw any) error {
	m, err := asMap(raw)
	if err != nil {
		return err
	}
	// History records may omit the pair; it is checked by the caller when present.
	p.UserID, _ = m["userId"].(string)
	p.DoctorID, _ = m["doctorId"].(string)
	if v, ok := m["id"].(string); ok {
		p.ID = v
	} else if v, ok := m["_id"].(string); ok {
		p.ID = v
	}
	if p.SenderID, _ = m["senderId"].(string); p.SenderID == "" {
		return errors.New("missing senderId")
	}
	if role, ok := m["senderRole"].(string); ok && role != "" {
		if p.SenderRole, err = shared.ParseRole(role); err != nil {
			return fmt.Errorf("senderRole: %w", err)
		}
	}
	body, ok := m["message"].(string)
	if !ok {
		return errors.New("missing message")
	}
	p.Body = body
	switch ts := m["timestamp"].(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		p.Timestamp = t
	case nil:
	default:
		if ms, ok := asInt(ts); ok {
			p.Timestamp = time.UnixMilli(int64(ms))
		}
	}
	return nil
}

func (p *Message) Validate() error {
	if err := p.Pair.Validate(); err != nil {
		return err
	}
	if p.SenderID == "" {
		return errors.New("missing senderId")
	}
	if p.Body == "" {
		return shared.ErrEmptyMessage
	}
	return nil
}

func (p *Message) Json() any {
	m := p.Pair.json()
	m["senderId"] = p.SenderID
	m["message"] = p.Body
	if p.SenderRole != "" {
		m["senderRole"] = string(p.SenderRole)
	}
	if p.ID != "" {
		m["id"] = p.ID
	}
	if !p.Timestamp.IsZero() {
		m["timestamp"] = p.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// MessageList is the payload of previousMessages: a bare array of records.
type MessageList struct {
	Messages []Message
}

func (p *MessageList) New(raw any) error {
	arr, ok := raw.([]any)
	if !ok {
		return errors.New("data is not an array")
	}
	p.Messages = make([]Message, 0, len(arr))
	for i, item := range arr {
		var msg Message
		if err := msg.New(item); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		p.Messages = append(p.Messages, msg)
	}
	return nil
}

func (p *MessageList) Json() any {
	out := make([]any, 0, len(p.Messages))
	for i := range p.Messages {
		out = append(out, p.Messages[i].Json())
	}
	return out
}
