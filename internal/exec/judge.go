package exec

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"coide/internal/models"
)

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrJudgeUnavailable    = errors.New("judge unavailable")
)

const (
	statusInQueue    = 1
	statusProcessing = 2
	maxResponseBytes = 4 << 20
)

var languageIDs = map[string]int{
	"python":     71,
	"javascript": 63,
	"java":       62,
	"cpp":        54,
	"c":          50,
	"go":         60,
}

// Languages lists the names accepted by Run.
func Languages() []string {
	return []string{"c", "cpp", "go", "java", "javascript", "python"}
}

type JudgeConfig struct {
	URL          string
	APIKey       string
	APIHost      string
	PollInterval time.Duration
}

// JudgeClient submits code to a Judge0 compatible service and polls for the
// verdict.
type JudgeClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
	apiHost string
	poll    time.Duration
}

func NewJudgeClient(cfg JudgeConfig) *JudgeClient {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &JudgeClient{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		apiHost: cfg.APIHost,
		poll:    poll,
	}
}

type submission struct {
	SourceCode string `json:"source_code"`
	LanguageID int    `json:"language_id"`
	Stdin      string `json:"stdin,omitempty"`
}

type submissionStatus struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

type submissionResult struct {
	Token         string           `json:"token"`
	Status        submissionStatus `json:"status"`
	Stdout        *string          `json:"stdout"`
	Stderr        *string          `json:"stderr"`
	CompileOutput *string          `json:"compile_output"`
	Time          *string          `json:"time"`
	Memory        *int             `json:"memory"`
}

// Run submits one program and blocks until the judge reports a final status
// or ctx expires.
func (j *JudgeClient) Run(ctx context.Context, req models.RunRequest) (models.RunResult, error) {
	langID, ok := languageIDs[strings.ToLower(req.Language)]
	if !ok {
		return models.RunResult{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.Language)
	}
	if j.baseURL == "" {
		return models.RunResult{}, fmt.Errorf("%w: no judge url configured", ErrJudgeUnavailable)
	}

	body, err := json.Marshal(submission{
		SourceCode: base64.StdEncoding.EncodeToString([]byte(req.Code)),
		LanguageID: langID,
		Stdin:      base64.StdEncoding.EncodeToString([]byte(req.Stdin)),
	})
	if err != nil {
		return models.RunResult{}, err
	}

	var created submissionResult
	if err := j.do(ctx, http.MethodPost, j.baseURL+"?base64_encoded=true&fields=*", body, &created); err != nil {
		return models.RunResult{}, err
	}
	if created.Token == "" {
		return models.RunResult{}, fmt.Errorf("%w: submission returned no token", ErrJudgeUnavailable)
	}

	ticker := time.NewTicker(j.poll)
	defer ticker.Stop()
	for {
		var res submissionResult
		if err := j.do(ctx, http.MethodGet, j.baseURL+"/"+created.Token+"?base64_encoded=true&fields=*", nil, &res); err != nil {
			return models.RunResult{}, err
		}
		if res.Status.ID != statusInQueue && res.Status.ID != statusProcessing {
			return decodeResult(res)
		}
		select {
		case <-ctx.Done():
			return models.RunResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (j *JudgeClient) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if j.apiKey != "" {
		req.Header.Set("X-RapidAPI-Key", j.apiKey)
		req.Header.Set("X-RapidAPI-Host", j.apiHost)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrJudgeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrJudgeUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode judge response: %w", err)
	}
	return nil
}

func decodeResult(res submissionResult) (models.RunResult, error) {
	out := models.RunResult{Status: res.Status.Description, StatusID: res.Status.ID}
	var err error
	if out.Stdout, err = decodeField(res.Stdout); err != nil {
		return models.RunResult{}, err
	}
	if out.Stderr, err = decodeField(res.Stderr); err != nil {
		return models.RunResult{}, err
	}
	if out.CompileOutput, err = decodeField(res.CompileOutput); err != nil {
		return models.RunResult{}, err
	}
	if res.Time != nil {
		out.Time = *res.Time
	}
	if res.Memory != nil {
		out.Memory = *res.Memory
	}
	return out, nil
}

func decodeField(v *string) (string, error) {
	if v == nil {
		return "", nil
	}
	// Judge0 wraps base64 output at 60 columns.
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(*v, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decode judge output: %w", err)
	}
	return string(raw), nil
}
