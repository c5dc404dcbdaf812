package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
)

const (
	labelManaged = "scout.managed"
	labelJobID   = "scout.job_id"
	namePrefix   = "scout-agent-"
	maxLogBytes  = 64 << 10
)

// containerAPI is the slice of the Docker client the extractor needs.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// Extractor runs one agent container per extraction attempt.
// The container receives the job through its environment and prints a
// result line as JSON on stdout before exiting.
type Extractor struct {
	cli    containerAPI
	cfg    domain.DockerExtractorConfig
	logger *slog.Logger
}

var _ ports.Extractor = (*Extractor)(nil)

// NewExtractor creates a Docker-backed extractor using the environment's daemon settings.
func NewExtractor(logger *slog.Logger, cfg domain.DockerExtractorConfig) (*Extractor, error) {
	if cfg.Image == "" {
		return nil, &domain.ValidationError{Field: "extractor.docker.image", Reason: "must not be empty"}
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newExtractor(logger, cli, cfg), nil
}

func newExtractor(logger *slog.Logger, cli containerAPI, cfg domain.DockerExtractorConfig) *Extractor {
	return &Extractor{cli: cli, cfg: cfg, logger: logger}
}

// agentOutput is the JSON line the agent image prints when it is done.
type agentOutput struct {
	Data        map[string]any `json:"data"`
	Error       string         `json:"error"`
	StreamURL   string         `json:"stream_url"`
	Screenshots []string       `json:"screenshots"`
}

func (e *Extractor) Extract(parent context.Context, req ports.ExtractionRequest) (domain.ExtractionResult, error) {
	started := time.Now()
	ctx := parent
	if e.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, time.Duration(e.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	name := namePrefix + uuid.NewString()
	cfg, hostCfg, err := e.containerConfig(req)
	if err != nil {
		return domain.ExtractionResult{}, err
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		if pullErr := e.pull(ctx); pullErr != nil {
			return domain.ExtractionResult{}, mapCtxErr(parent, ctx, started, pullErr)
		}
		resp, err = e.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return domain.ExtractionResult{}, mapCtxErr(parent, ctx, started, fmt.Errorf("failed to create container: %w", err))
	}
	defer e.remove(resp.ID)

	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return domain.ExtractionResult{}, mapCtxErr(parent, ctx, started, fmt.Errorf("failed to start container: %w", err))
	}
	e.logger.Debug("agent container started", "job_id", req.JobID, "container", name)

	statusCh, errCh := e.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case st := <-statusCh:
		exitCode = st.StatusCode
		if st.Error != nil && st.Error.Message != "" {
			return domain.ExtractionResult{}, fmt.Errorf("container wait failed: %s", st.Error.Message)
		}
	case err := <-errCh:
		return domain.ExtractionResult{}, mapCtxErr(parent, ctx, started, fmt.Errorf("container wait failed: %w", err))
	case <-ctx.Done():
		return domain.ExtractionResult{}, mapCtxErr(parent, ctx, started, ctx.Err())
	}

	stdout, stderr, err := e.logs(ctx, resp.ID)
	if err != nil {
		return domain.ExtractionResult{}, mapCtxErr(parent, ctx, started, err)
	}
	res := parseOutput(stdout, stderr, exitCode)
	res.DurationMs = time.Since(started).Milliseconds()
	req.ReportStreamURL(res.StreamURL)
	return res, nil
}

func (e *Extractor) containerConfig(req ports.ExtractionRequest) (*container.Config, *container.HostConfig, error) {
	schema, err := json.Marshal(req.Schema)
	if err != nil {
		return nil, nil, err
	}
	cfg := &container.Config{
		Image: e.cfg.Image,
		Env: []string{
			"TARGET_URL=" + req.URL,
			"INSTRUCTIONS=" + req.Instructions,
			"SCHEMA=" + string(schema),
		},
		Labels: map[string]string{
			labelManaged: "true",
			labelJobID:   string(req.JobID),
		},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(e.cfg.ResourceCPU * 1e9),
			Memory:   e.cfg.ResourceMem,
		},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,size=256m",
		},
		ShmSize: 256 << 20, // chromium needs a real /dev/shm
	}
	return cfg, hostCfg, nil
}

func (e *Extractor) pull(ctx context.Context) error {
	e.logger.Info("pulling agent image", "image", e.cfg.Image)
	reader, err := e.cli.ImagePull(ctx, e.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", e.cfg.Image, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *Extractor) logs(ctx context.Context, id string) (string, string, error) {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, io.LimitReader(rc, 4*maxLogBytes)); err != nil {
		return "", "", fmt.Errorf("failed to demultiplex container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// remove force-removes the container even when the attempt's context is gone.
func (e *Extractor) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		e.logger.Warn("failed to remove agent container", "container", id, "error", err)
	}
}

// Sweep removes agent containers left behind by a previous process.
func (e *Extractor) Sweep(ctx context.Context) (int, error) {
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list agent containers: %w", err)
	}
	removed := 0
	for _, c := range containers {
		if err := e.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			e.logger.Warn("failed to remove stale container", "container", c.ID, "job_id", c.Labels[labelJobID], "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// parseOutput takes the last stdout line that decodes as an agent result.
// Everything else ends up in the logs.
func parseOutput(stdout, stderr string, exitCode int64) domain.ExtractionResult {
	var (
		out   *agentOutput
		other []string
	)
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64<<10), maxLogBytes*4)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "{") {
			var candidate agentOutput
			if err := json.Unmarshal([]byte(line), &candidate); err == nil && (candidate.Data != nil || candidate.Error != "") {
				out = &candidate
				continue
			}
		}
		if line != "" {
			other = append(other, line)
		}
	}

	logs := strings.Join(other, "\n")
	if s := strings.TrimSpace(stderr); s != "" {
		if logs != "" {
			logs += "\n"
		}
		logs += s
	}
	res := domain.ExtractionResult{Logs: domain.Truncate(logs, maxLogBytes)}

	if out == nil {
		res.Error = fmt.Sprintf("agent container exited with code %d without a result", exitCode)
		return res
	}
	res.ExtractedData = out.Data
	res.Error = out.Error
	res.StreamURL = out.StreamURL
	res.Screenshots = out.Screenshots
	if res.Error == "" && exitCode != 0 && len(out.Data) == 0 {
		res.Error = fmt.Sprintf("agent container exited with code %d", exitCode)
	}
	return res
}

func mapCtxErr(parent, ctx context.Context, started time.Time, err error) error {
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &domain.TimeoutError{ElapsedMs: time.Since(started).Milliseconds()}
	}
	return err
}
