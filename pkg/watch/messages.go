package watch

import "encoding/json"

// Outbound message types (spec §6).

// StartWatchingData is the payload of the handshake frame sent
// immediately after the socket opens.
type StartWatchingData struct {
	Reconnect bool          `json:"reconnect,omitempty"`
	Stream    *StreamOption `json:"stream,omitempty"`
}

// StreamOption configures the requested stream quality/latency on
// startWatching/changeStream.
type StreamOption struct {
	Quality   StreamQuality `json:"quality"`
	Limit     *int          `json:"limit,omitempty"`
	Latency   Latency       `json:"latency"`
	ChasePlay bool          `json:"chasePlay,omitempty"`
}

// StreamQuality enumerates the requestable stream qualities (spec §6).
type StreamQuality string

const (
	QualityABR             StreamQuality = "abr"
	QualitySuperHigh       StreamQuality = "super_high"
	QualityHigh            StreamQuality = "high"
	QualityNormal          StreamQuality = "normal"
	QualityLow             StreamQuality = "low"
	QualitySuperLow        StreamQuality = "super_low"
	QualityAudioOnly       StreamQuality = "audio_only"
	QualityAudioHigh       StreamQuality = "audio_high"
	QualityBroadcasterHigh StreamQuality = "broadcaster_high"
	QualityBroadcasterLow  StreamQuality = "broadcaster_low"
)

// Latency enumerates the requestable playback latency modes.
type Latency string

const (
	LatencyLow  Latency = "low"
	LatencyHigh Latency = "high"
)

// CommentColor enumerates the fixed comment-color palette (spec §6). A
// caller may alternatively send a literal "#RRGGBB" string.
type CommentColor string

const (
	ColorWhite       CommentColor = "white"
	ColorRed         CommentColor = "red"
	ColorPink        CommentColor = "pink"
	ColorOrange      CommentColor = "orange"
	ColorYellow      CommentColor = "yellow"
	ColorGreen       CommentColor = "green"
	ColorCyan        CommentColor = "cyan"
	ColorBlue        CommentColor = "blue"
	ColorPurple      CommentColor = "purple"
	ColorBlack       CommentColor = "black"
	ColorWhite2      CommentColor = "white2"
	ColorRed2        CommentColor = "red2"
	ColorPink2       CommentColor = "pink2"
	ColorOrange2     CommentColor = "orange2"
	ColorYellow2     CommentColor = "yellow2"
	ColorGreen2      CommentColor = "green2"
	ColorCyan2       CommentColor = "cyan2"
	ColorBlue2       CommentColor = "blue2"
	ColorPurple2     CommentColor = "purple2"
	ColorBlack2      CommentColor = "black2"
)

// CommentSize enumerates the comment font sizes.
type CommentSize string

const (
	SizeBig    CommentSize = "big"
	SizeMedium CommentSize = "medium"
	SizeSmall  CommentSize = "small"
)

// CommentPosition enumerates the on-screen comment positions.
type CommentPosition string

const (
	PositionUe    CommentPosition = "ue"
	PositionNaka  CommentPosition = "naka"
	PositionShita CommentPosition = "shita"
)

// CommentFont enumerates the comment fonts.
type CommentFont string

const (
	FontDefont CommentFont = "defont"
	FontMincho CommentFont = "mincho"
	FontGothic CommentFont = "gothic"
)

// PostCommentOptions are the optional fields of a postComment frame.
type PostCommentOptions struct {
	Color    CommentColor    `json:"color,omitempty"`
	Size     CommentSize     `json:"size,omitempty"`
	Position CommentPosition `json:"position,omitempty"`
	Font     CommentFont     `json:"font,omitempty"`
}

// PostCommentData is the payload of an outbound postComment frame.
type PostCommentData struct {
	Text        string `json:"text"`
	Vpos        int64  `json:"vpos"`
	IsAnonymous bool   `json:"isAnonymous"`
	Color       CommentColor    `json:"color,omitempty"`
	Size        CommentSize     `json:"size,omitempty"`
	Position    CommentPosition `json:"position,omitempty"`
	Font        CommentFont     `json:"font,omitempty"`
}

// GetAkashicData is the payload of an outbound getAkashic frame.
type GetAkashicData struct {
	ChasePlay bool `json:"chasePlay,omitempty"`
}

// AnswerEnqueteData is the payload of an outbound answerEnquete frame.
type AnswerEnqueteData struct {
	Answer int `json:"answer"`
}

// outboundFrame is the envelope every outbound message is serialized
// into: {"type": "...", "data": {...}}, with data omitted for frames
// that carry none.
type outboundFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

func newFrame(typ string, data interface{}) outboundFrame {
	return outboundFrame{Type: typ, Data: data}
}

// Inbound message types (spec §6).

// InboundType discriminates the inbound frame envelope's "type" field.
type InboundType string

const (
	InTypeMessageServer    InboundType = "messageServer"
	InTypeSeat             InboundType = "seat"
	InTypeAkashic          InboundType = "akashic"
	InTypeStream           InboundType = "stream"
	InTypeServerTime       InboundType = "serverTime"
	InTypeStatistics       InboundType = "statistics"
	InTypeSchedule         InboundType = "schedule"
	InTypePing             InboundType = "ping"
	InTypeDisconnect       InboundType = "disconnect"
	InTypeReconnect        InboundType = "reconnect"
	InTypePostCommentResult InboundType = "postCommentResult"
	InTypeTagUpdated       InboundType = "tagUpdated"
	InTypeTaxonomy         InboundType = "taxonomy"
	InTypeStreamQualities  InboundType = "streamQualities"
	InTypeEnquete          InboundType = "enquete"
	InTypeEnqueteResult    InboundType = "enqueteresult"
	InTypeModerator        InboundType = "moderator"
	InTypeRemoveModerator  InboundType = "removeModerator"
)

// DisconnectReason enumerates the server-initiated disconnect reasons
// (spec §6). Only EndProgram is a "normal" disconnect.
type DisconnectReason string

const (
	ReasonTakeover                       DisconnectReason = "TAKEOVER"
	ReasonNoPermission                   DisconnectReason = "NO_PERMISSION"
	ReasonEndProgram                     DisconnectReason = "END_PROGRAM"
	ReasonPingTimeout                    DisconnectReason = "PING_TIMEOUT"
	ReasonTooManyConnections             DisconnectReason = "TOO_MANY_CONNECTIONS"
	ReasonTooManyWatchings               DisconnectReason = "TOO_MANY_WATCHINGS"
	ReasonCrowded                        DisconnectReason = "CROWDED"
	ReasonMaintenanceIn                  DisconnectReason = "MAINTENANCE_IN"
	ReasonServiceTemporarilyUnavailable  DisconnectReason = "SERVICE_TEMPORARILY_UNAVAILABLE"
)

// MessageServerPayload is the `messageServer` frame's data.
type MessageServerPayload struct {
	ViewURI      string `json:"viewUri"`
	VposBaseTime string `json:"vposBaseTime"`
	HashedUserID string `json:"hashedUserId,omitempty"`
}

// SeatPayload is the `seat` frame's data.
type SeatPayload struct {
	KeepIntervalSec int `json:"keepIntervalSec"`
}

// SchedulePayload is the `schedule` frame's data.
type SchedulePayload struct {
	Begin string `json:"begin"`
	End   string `json:"end"`
}

// ReconnectPayload is the `reconnect` frame's data.
type ReconnectPayload struct {
	AudienceToken string `json:"audienceToken"`
	WaitTimeSec   int    `json:"waitTimeSec"`
}

// DisconnectPayload is the `disconnect` frame's data.
type DisconnectPayload struct {
	Reason DisconnectReason `json:"reason"`
}

// ReceiveMessage is a fully decoded inbound frame: the envelope plus its
// typed payload (nil for frame types this client only forwards
// verbatim, such as akashic/taxonomy/enquete).
type ReceiveMessage struct {
	Type InboundType
	Raw  json.RawMessage

	MessageServer *MessageServerPayload
	Seat          *SeatPayload
	Schedule      *SchedulePayload
	Reconnect     *ReconnectPayload
	Disconnect    *DisconnectPayload
}

type inboundEnvelope struct {
	Type InboundType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// decodeReceiveMessage parses one inbound JSON frame.
func decodeReceiveMessage(raw []byte) (*ReceiveMessage, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	msg := &ReceiveMessage{Type: env.Type, Raw: raw}
	switch env.Type {
	case InTypeMessageServer:
		var p MessageServerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		msg.MessageServer = &p
	case InTypeSeat:
		var p SeatPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		msg.Seat = &p
	case InTypeSchedule:
		var p SchedulePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		msg.Schedule = &p
	case InTypeReconnect:
		var p ReconnectPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		msg.Reconnect = &p
	case InTypeDisconnect:
		var p DisconnectPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		msg.Disconnect = &p
	}
	return msg, nil
}
