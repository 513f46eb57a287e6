package models

import (
	"image"
	"path/filepath"
	"time"
)

// TimeLayout формат времени в payload и именах скриншотов (YYYYMMDD_HHMMSS)
const TimeLayout = "20060102_150405"

type CommandAction string

const (
	CommandStart CommandAction = "start"
	CommandStop  CommandAction = "stop"
)

// Trigger определяет, чем срабатывает категория
type Trigger string

const (
	// TriggerDetection срабатывает по классу детектора
	TriggerDetection Trigger = "detection"
	// TriggerSolo срабатывает, когда в кадре ровно один человек
	TriggerSolo Trigger = "solo"
)

// BBox is a bounding box in frame pixel coordinates.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Rect converts the box to an integer rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// Detection представляет структуру одного обнаруженного объекта
type Detection struct {
	ClassID    int     `json:"class_id"`
	Class      string  `json:"class"`
	Confidence float64 `json:"score"`
	Box        BBox    `json:"box"`
}

// Category is one configured event category. Immutable after startup.
type Category struct {
	Name       string
	Label      string
	Tag        string
	Threshold  float64
	Cooldown   time.Duration
	Trigger    Trigger
	ClassIDs   []int
	ClassNames []string
	// MinCount is the number of qualifying detections in one frame needed to fire.
	MinCount int
}

// PersonClass describes the detector classes counted as workers.
type PersonClass struct {
	Label      string
	Threshold  float64
	ClassIDs   []int
	ClassNames []string
}

// Frame is one decoded video frame.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Image      image.Image
}

// LabeledDetection is a detection paired with the text drawn next to its box.
type LabeledDetection struct {
	Detection Detection
	Label     string
	Person    bool
}

// AlertEvent результат успешного срабатывания категории
type AlertEvent struct {
	StreamID string
	Category *Category
	FiredAt  time.Time
	Frame    image.Image
}

// ScreenshotName returns "{tag}_{YYYYMMDD_HHMMSS}.jpg".
func (e AlertEvent) ScreenshotName() string {
	return e.Category.Tag + "_" + e.FiredAt.Format(TimeLayout) + ".jpg"
}

// Payload builds the bus payload for a screenshot stored under dir.
func (e AlertEvent) Payload(dir string) AlertPayload {
	return AlertPayload{
		Stream:     e.StreamID,
		Time:       e.FiredAt.Format(TimeLayout),
		EventType:  e.Category.Tag,
		Screenshot: filepath.ToSlash(filepath.Join(dir, e.ScreenshotName())),
	}
}

// AlertPayload сообщение, отправляемое в шину
type AlertPayload struct {
	Stream     string `json:"stream"`
	Time       string `json:"time"`
	EventType  string `json:"eventType"`
	Screenshot string `json:"screenshot"`
}

// StreamState состояние сессии потока
type StreamState string

const (
	StateStarting StreamState = "starting"
	StateRunning  StreamState = "running"
	StateStopping StreamState = "stopping"
	StateStopped  StreamState = "stopped"
	StateFailed   StreamState = "failed"
)

// StreamStatus is a read-only snapshot of one stream session.
type StreamStatus struct {
	StreamID            string      `json:"stream_id"`
	SessionID           string      `json:"session_id"`
	State               StreamState `json:"state"`
	FrameCount          uint64      `json:"frame_count"`
	ProcessedFrameCount uint64      `json:"processed_frame_count"`
	PersonCount         int         `json:"person_count"`
	ActiveWarnings      []string    `json:"active_warnings"`
	StartedAt           time.Time   `json:"started_at"`
}

// StreamCommand команда запуска/остановки потока из Kafka
type StreamCommand struct {
	StreamID string        `json:"stream_id"`
	Action   CommandAction `json:"action"`
}

// Stream запись о желаемом состоянии потока в БД
type Stream struct {
	ID        string        `json:"id"`
	Action    CommandAction `json:"action"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

var stateTransitions = map[StreamState][]StreamState{
	StateStarting: {StateRunning, StateStopping, StateFailed},
	StateRunning:  {StateStopping, StateStopped, StateFailed},
	StateStopping: {StateStopped, StateFailed},
}

// IsValidStateTransition проверяет допустимость перехода между состояниями сессии
func IsValidStateTransition(current, next StreamState) bool {
	for _, allowed := range stateTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}
