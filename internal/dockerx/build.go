package dockerx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
)

// Build creates an image from dir using the default Dockerfile and returns
// the accumulated build log. On failure the log captured up to that point
// is still returned so the caller can fingerprint and persist it.
func (c *Client) Build(ctx context.Context, dir, tag string, onOutput func(string)) (string, error) {
	if c == nil || c.inner == nil {
		return "", fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return "", fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return "", fmt.Errorf("image tag cannot be empty")
	}

	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return "", fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()

	var log strings.Builder
	record := func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		log.WriteString(line)
		log.WriteByte('\n')
		if onOutput != nil {
			onOutput(line)
		}
	}

	decoder := json.NewDecoder(resp.Body)
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return log.String(), fmt.Errorf("decode build output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			record(errMsg)
			return log.String(), fmt.Errorf("docker image build: %s", errMsg)
		}
		record(msg.render())
	}
	return log.String(), nil
}

type buildMessage struct {
	Stream      string           `json:"stream"`
	Status      string           `json:"status"`
	ID          string           `json:"id"`
	Error       string           `json:"error"`
	ErrorDetail buildErrorDetail `json:"errorDetail"`
}

type buildErrorDetail struct {
	Message string `json:"message"`
}

func (m buildMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m buildMessage) render() string {
	if m.Stream != "" {
		return m.Stream
	}
	if m.Status == "" {
		return ""
	}
	if id := strings.TrimSpace(m.ID); id != "" {
		return id + " " + strings.TrimSpace(m.Status)
	}
	return strings.TrimSpace(m.Status)
}
