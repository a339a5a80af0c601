// Package wire defines the JSON envelopes exchanged over the streaming
// WebSocket and the broker subjects. Field names on the client-facing
// messages are part of the published contract and must not change.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is a pedagogical intervention kind.
type Kind string

const (
	KindNone        Kind = "none"
	KindVibration   Kind = "vibration"
	KindInstruction Kind = "instruction"
	KindPause       Kind = "pause"
)

// Valid reports whether k is one of the four known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindNone, KindVibration, KindInstruction, KindPause:
		return true
	}
	return false
}

// Result grades a past intervention.
type Result string

const (
	ResultPending  Result = "pending"
	ResultImproved Result = "improved"
	ResultWorsened Result = "worsened"
	ResultNoChange Result = "no_change"
)

// Broker subjects. Durable subjects carry a paired <subject>.dlq.
const (
	SubjectInterventions     = "interventions"
	SubjectRecommendations   = "recommendations"
	SubjectEvaluations       = "intervention_evaluations"
	SubjectCacheInvalidation = "cache_invalidation"
	SubjectActivityEvents    = "activity_events"
	SubjectActivityDetails   = "activity_details_request"
	SubjectSessionConfig     = "session_config_request"
	SubjectStreamEvents      = "monitoring_websocket_events"
)

// Envelope is the minimal shape used to route inbound WebSocket text
// frames: control messages carry a type, biometric frames carry metadata.
type Envelope struct {
	Type string `json:"type"`
}

// Handshake is the first client frame on a new stream.
type Handshake struct {
	Type               string `json:"type"`
	UserID             int64  `json:"user_id"`
	ExternalActivityID int64  `json:"external_activity_id"`
	CompanyID          string `json:"company_id,omitempty"`
}

// BackpressureConfig advertises the gateway limits to the client.
type BackpressureConfig struct {
	MaxBufferSize      int `json:"max_buffer_size"`
	MaxFramesPerSecond int `json:"max_frames_per_second"`
	ThrottleThreshold  int `json:"throttle_threshold"`
}

// HandshakeAck acknowledges a handshake and marks the stream ready.
type HandshakeAck struct {
	Type          string             `json:"type"`
	Status        string             `json:"status"`
	ActivityUUID  string             `json:"activity_uuid"`
	SessionID     string             `json:"session_id"`
	CorrelationID string             `json:"correlation_id"`
	Backpressure  BackpressureConfig `json:"backpressure_config"`
}

// Ping and Pong keep idle streams alive.
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type Pong struct {
	Type          string `json:"type"`
	Timestamp     int64  `json:"timestamp"`
	CorrelationID string `json:"correlation_id"`
}

// Throttle tells the client the gateway is shedding load.
type Throttle struct {
	Type              string  `json:"type"`
	Status            string  `json:"status"`
	Reason            string  `json:"reason"`
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
	BufferSize        int     `json:"buffer_size"`
	MaxBufferSize     int     `json:"max_buffer_size"`
}

// FrameDropped reports a single discarded frame.
type FrameDropped struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ErrorMessage is an in-band non-fatal error reply.
type ErrorMessage struct {
	Type          string `json:"type"`
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// FrameMetadata identifies the stream a biometric frame belongs to.
type FrameMetadata struct {
	SessionID          string `json:"session_id"`
	UserID             int64  `json:"user_id"`
	ExternalActivityID int64  `json:"external_activity_id"`
	Timestamp          int64  `json:"timestamp"`
}

// EmotionScore is one entry of the per-frame emotion breakdown.
// Confidence is a percentage in [0,100].
type EmotionScore struct {
	Emotion    string  `json:"emocion"`
	Confidence float64 `json:"confianza"`
}

// PrimaryEmotion is the dominant emotion with an optional cognitive hint.
type PrimaryEmotion struct {
	Emotion        string  `json:"emocion"`
	Confidence     float64 `json:"confianza"`
	CognitiveState string  `json:"estado_cognitivo,omitempty"`
}

// SentimentAnalysis groups the emotion outputs of the client-side model.
type SentimentAnalysis struct {
	Primary   PrimaryEmotion `json:"emocion_principal"`
	Breakdown []EmotionScore `json:"desglose_emociones"`
}

// HeadOrientation is the head pose in degrees.
type HeadOrientation struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Attention carries gaze and head pose.
type Attention struct {
	LookingAtScreen bool            `json:"mirando_pantalla"`
	HeadOrientation HeadOrientation `json:"orientacion_cabeza"`
}

// Drowsiness carries sleep detection and the eye aspect ratio.
type Drowsiness struct {
	Asleep      bool    `json:"esta_durmiendo"`
	EyeOpenness float64 `json:"apertura_ojos_ear"`
}

// Biometrics groups the non-emotion biometric signals.
type Biometrics struct {
	Attention  Attention  `json:"atencion"`
	Drowsiness Drowsiness `json:"somnolencia"`
}

// Frame is one biometric + emotion sample for a user at a timestamp.
type Frame struct {
	Metadata     FrameMetadata     `json:"metadata"`
	Sentiment    SentimentAnalysis `json:"analisis_sentimiento"`
	Biometrics   Biometrics        `json:"datos_biometricos"`
	FaceDetected bool              `json:"rostro_detectado"`
}

// Validate checks the required frame fields.
func (f *Frame) Validate() error {
	if f.Metadata.SessionID == "" {
		return fmt.Errorf("frame missing metadata.session_id")
	}
	if f.Metadata.UserID == 0 {
		return fmt.Errorf("frame missing metadata.user_id")
	}
	if f.Metadata.ExternalActivityID == 0 {
		return fmt.Errorf("frame missing metadata.external_activity_id")
	}
	if f.Metadata.Timestamp == 0 {
		return fmt.Errorf("frame missing metadata.timestamp")
	}
	if len(f.Sentiment.Breakdown) == 0 {
		return fmt.Errorf("frame missing analisis_sentimiento.desglose_emociones")
	}
	return nil
}

// InterventionEvent is published to the interventions subject when the
// inference node fires a gated intervention.
type InterventionEvent struct {
	InterventionID     string    `json:"intervention_id"`
	SessionID          string    `json:"session_id"`
	ActivityUUID       string    `json:"activity_uuid"`
	ExternalActivityID int64     `json:"external_activity_id"`
	UserID             int64     `json:"user_id"`
	Kind               Kind      `json:"kind"`
	Confidence         float64   `json:"confidence"`
	CognitiveEvent     string    `json:"cognitive_event"`
	StateStability     float64   `json:"state_stability"`
	FiredAt            time.Time `json:"fired_at"`
}

// EvaluationEvent is published when a pending intervention is graded.
type EvaluationEvent struct {
	InterventionID string    `json:"intervention_id"`
	SessionID      string    `json:"session_id"`
	ActivityUUID   string    `json:"activity_uuid"`
	Kind           Kind      `json:"kind"`
	Result         string    `json:"result"` // positive | negative | neutral
	Score          float64   `json:"score"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}

// Content is the deliverable body of a recommendation.
type Content struct {
	Type string `json:"tipo"` // texto | video
	Body string `json:"cuerpo"`
}

// Vibration describes a haptic cue.
type Vibration struct {
	Activate   bool   `json:"activar"`
	DurationMS int    `json:"duracion_ms"`
	Intensity  string `json:"intensidad"` // baja | media | alta
}

// RecommendationMeta echoes the triggering intervention.
type RecommendationMeta struct {
	CognitiveEvent     string  `json:"evento_cognitivo"`
	CognitivePrecision float64 `json:"precision_cognitiva"`
	Confidence         float64 `json:"confianza"`
}

// Recommendation is a resolved intervention payload, pushed to the client.
type Recommendation struct {
	Type           string             `json:"type"`
	SessionID      string             `json:"session_id"`
	ActivityUUID   string             `json:"activity_uuid"`
	UserID         int64              `json:"user_id"`
	InterventionID string             `json:"intervention_id"`
	Action         string             `json:"accion"` // instruccion | motivacion | pausa | distraccion
	Content        Content            `json:"contenido"`
	Vibration      Vibration          `json:"vibracion"`
	Metadata       RecommendationMeta `json:"metadata"`
	Timestamp      int64              `json:"timestamp"` // unix milliseconds
}

// CacheInvalidation asks consumers to evict the named cache keys.
type CacheInvalidation struct {
	Keys []string `json:"keys"`
}

// ActivityEvent reports an activity lifecycle change from the session
// service.
type ActivityEvent struct {
	ActivityUUID string `json:"activity_uuid"`
	SessionID    string `json:"session_id"`
	Event        string `json:"event"` // paused | resumed | completed
}

// ActivityDetailsRequest is a broker RPC request for activity metadata.
type ActivityDetailsRequest struct {
	ActivityUUID  string `json:"activity_uuid"`
	CorrelationID string `json:"correlation_id"`
	ReplyTo       string `json:"reply_to"`
}

// ActivityDetails is the RPC reply (and the cached record).
type ActivityDetails struct {
	ActivityUUID  string `json:"activity_uuid"`
	Topic         string `json:"topic"`
	Subtopic      string `json:"subtopic"`
	ActivityType  string `json:"activity_type"`
	Name          string `json:"name"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// SessionConfigRequest is a broker RPC request for per-session analysis
// flags.
type SessionConfigRequest struct {
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id"`
	ReplyTo       string `json:"reply_to"`
}

// SessionConfig holds the per-session analysis toggles.
type SessionConfig struct {
	SessionID         string `json:"session_id"`
	AnalyzeEmotion    bool   `json:"analyze_emotion"`
	AnalyzeAttention  bool   `json:"analyze_attention"`
	AnalyzeDrowsiness bool   `json:"analyze_drowsiness"`
	CorrelationID     string `json:"correlation_id,omitempty"`
}

// StreamClosedEvent notifies the session service that a stream went away.
type StreamClosedEvent struct {
	SessionID    string    `json:"session_id"`
	ActivityUUID string    `json:"activity_uuid"`
	UserID       int64     `json:"user_id"`
	ClosedAt     time.Time `json:"closed_at"`
	Reason       string    `json:"reason"`
}

// Encode marshals v, panicking on programmer error (all wire types are
// marshalable by construction).
func Encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("wire: marshal %T: %v", v, err))
	}
	return b
}
