package detection

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

const retries = 2

// Response тело ответа детектора
type Response struct {
	Detections []models.Detection `json:"detections"`
}

type Client struct {
	http        *resty.Client
	url         string
	jpegQuality int
	log         *zap.Logger
}

// NewClient создаёт клиента детектора; endpoint - полный URL /predict
func NewClient(endpoint string, timeout time.Duration, jpegQuality int, log *zap.Logger) *Client {
	httpClient := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Accept", "application/json").
		SetLogger(log.Sugar()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= http.StatusInternalServerError)
		})
	httpClient.JSONMarshal = json.Marshal
	httpClient.JSONUnmarshal = json.Unmarshal

	if jpegQuality <= 0 {
		jpegQuality = 90
	}

	return &Client{
		http:        httpClient,
		url:         endpoint,
		jpegQuality: jpegQuality,
		log:         log,
	}
}

// Infer отправляет кадр JPEG на /predict вместе с порогом уверенности
func (c *Client) Infer(ctx context.Context, img image.Image, floor float64) ([]models.Detection, error) {
	body, contentType, err := c.encode(img, floor)
	if err != nil {
		return nil, err
	}

	// Тело собрано заранее: при повторе resty отправляет те же байты
	var out Response
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(body).
		SetResult(&out).
		Post(c.url)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("bad status: %s, error: %s", resp.Status(), resp.Body())
	}

	c.log.Debug("detection: success", zap.Int("detections", len(out.Detections)), zap.Duration("took", resp.Time()))
	return out.Detections, nil
}

// encode builds the multipart form: the JPEG frame as "file" and the
// confidence floor as "conf".
func (c *Client) encode(img image.Image, floor float64) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if err := jpeg.Encode(part, img, &jpeg.Options{Quality: c.jpegQuality}); err != nil {
		return nil, "", fmt.Errorf("encode frame: %w", err)
	}
	if err := mw.WriteField("conf", strconv.FormatFloat(floor, 'f', -1, 64)); err != nil {
		return nil, "", fmt.Errorf("write conf field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
}
