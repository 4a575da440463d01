// Package main is the shared library the mobile shells link against.
// Build with -buildmode=c-shared: libmedportal.so (Android) / medportal.framework (iOS).
// Every export takes plain strings and returns a JSON document.
package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/medportal/core/cmd/portald/handlers"
	"github.com/kimhsiao/medportal/core/internal/config"
	"github.com/kimhsiao/medportal/core/internal/crypto"
	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/media"
	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/network"
	"github.com/kimhsiao/medportal/core/internal/portal"
	"github.com/kimhsiao/medportal/core/internal/resource"
	syncengine "github.com/kimhsiao/medportal/core/internal/sync"
)

// maxPendingEvents bounds the events buffered between two PollEvents calls.
const maxPendingEvents = 256

// callTimeout bounds every blocking bridge call.
const callTimeout = 2 * time.Minute

// DeviceState is what the platform reports about memory and power.
type DeviceState struct {
	MemoryUsed  uint64                 `json:"memoryUsed"`
	MemoryTotal uint64                 `json:"memoryTotal"`
	Battery     *resource.BatteryState `json:"battery,omitempty"`
}

// ImagePayload is a rendered image; Data is base64 in JSON.
type ImagePayload struct {
	Data    []byte              `json:"data"`
	Width   int                 `json:"width"`
	Height  int                 `json:"height"`
	Quality models.ImageQuality `json:"quality"`
	Stage   media.Stage         `json:"stage"`
	Source  string              `json:"source"`
}

// bridgeOptions lets tests replace what Init would build from a config file.
type bridgeOptions struct {
	portal.Options
	Vault handlers.Vault
}

// bridge owns the portal for the lifetime of the library.
type bridge struct {
	mu      sync.Mutex
	p       *portal.Portal
	sampler *resource.StaticSampler
	tokens  *handlers.TokenStore
	cancel  context.CancelFunc
	unsubs  []func()

	eventsMu sync.Mutex
	events   []syncengine.Event
	dropped  int
}

func (b *bridge) current() (*portal.Portal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.p == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "portal not initialized")
	}
	return b.p, nil
}

// init opens the portal with the config at configPath. initialNetwork may be
// empty to assume wifi.
func (b *bridge) init(configPath, initialNetwork string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	opts := bridgeOptions{Options: portal.Options{Config: cfg}}
	if initialNetwork != "" {
		if err := json.Unmarshal([]byte(initialNetwork), &opts.Network); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "invalid network state", err)
		}
	}
	opts.Vault = crypto.NewVault(cfg.VaultDir(), nil)
	return b.open(opts)
}

func (b *bridge) open(opts bridgeOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.p != nil {
		return nil
	}

	b.sampler = resource.NewStaticSampler()
	b.tokens = handlers.NewTokenStore("", opts.Vault)
	opts.Sampler = b.sampler
	opts.Token = b.tokens.Token

	p, err := portal.New(opts.Options)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	b.p, b.cancel = p, cancel
	b.unsubs = append(b.unsubs, p.Subscribe(b.record))
	logging.Info("Mobile bridge initialized", map[string]interface{}{"data_dir": p.Config().DataDir})
	return nil
}

// shutdown closes the portal; a later init opens it again.
func (b *bridge) shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.p == nil {
		return nil
	}
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	b.cancel()
	err := b.p.Close()
	b.p = nil
	return err
}

func (b *bridge) record(ev syncengine.Event) {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()
	if len(b.events) == maxPendingEvents {
		b.events = b.events[1:]
		b.dropped++
	}
	b.events = append(b.events, ev)
}

// pollEvents drains the events recorded since the previous call.
func (b *bridge) pollEvents() map[string]interface{} {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()
	events, dropped := b.events, b.dropped
	if events == nil {
		events = []syncengine.Event{}
	}
	b.events, b.dropped = nil, 0
	return map[string]interface{}{"events": events, "dropped": dropped}
}

// =====================================================
// Device state
// =====================================================

func (b *bridge) setNetwork(raw string) (network.State, error) {
	p, err := b.current()
	if err != nil {
		return network.State{}, err
	}
	var state network.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return network.State{}, apperrors.Wrap(apperrors.ErrInvalid, "invalid network state", err)
	}
	switch state.Type {
	case network.ConnectionWifi, network.ConnectionCellular, network.ConnectionEthernet, network.ConnectionNone, network.ConnectionUnknown:
	default:
		return network.State{}, apperrors.New(apperrors.ErrInvalid, "unknown connection type "+string(state.Type))
	}
	p.Network().Update(state)
	return p.Network().State(), nil
}

func (b *bridge) setDeviceState(ctx context.Context, raw string) (resource.Strategy, error) {
	p, err := b.current()
	if err != nil {
		return resource.Strategy{}, err
	}
	var state DeviceState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return resource.Strategy{}, apperrors.Wrap(apperrors.ErrInvalid, "invalid device state", err)
	}
	if state.MemoryTotal > 0 {
		b.sampler.SetMemory(state.MemoryUsed, state.MemoryTotal)
		p.Resource().SampleMemory(ctx)
	}
	if state.Battery != nil {
		b.sampler.SetBattery(*state.Battery)
		p.Resource().SampleBattery(ctx)
	}
	return p.Resource().Strategy(), nil
}

func (b *bridge) setForeground(ctx context.Context, foreground bool) error {
	p, err := b.current()
	if err != nil {
		return err
	}
	if foreground {
		p.Foreground(ctx)
		return nil
	}
	for _, err := range p.Background(ctx) {
		logging.Warn("Background cleanup failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// =====================================================
// Session
// =====================================================

func (b *bridge) setToken(token string) error {
	if _, err := b.current(); err != nil {
		return err
	}
	if token == "" {
		return apperrors.New(apperrors.ErrInvalid, "token is required")
	}
	return b.tokens.Set(token)
}

func (b *bridge) logout(ctx context.Context) error {
	p, err := b.current()
	if err != nil {
		return err
	}
	if err := b.tokens.Set(""); err != nil {
		return err
	}
	return p.Logout(ctx)
}

// =====================================================
// Portal operations
// =====================================================

func (b *bridge) offlineStudies(ctx context.Context, patientID string) ([]*models.CachedStudy, error) {
	p, err := b.current()
	if err != nil {
		return nil, err
	}
	studies, err := p.GetOfflineStudies(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if studies == nil {
		studies = []*models.CachedStudy{}
	}
	return studies, nil
}

func (b *bridge) fetchStudy(ctx context.Context, studyID string) (*portal.StudyView, error) {
	p, err := b.current()
	if err != nil {
		return nil, err
	}
	return p.FetchStudy(ctx, studyID)
}

func (b *bridge) studyImage(ctx context.Context, studyID, imageID, quality string) (*ImagePayload, error) {
	p, err := b.current()
	if err != nil {
		return nil, err
	}
	q := media.QualityAdaptive
	if quality != "" {
		q = models.ImageQuality(strings.ToUpper(quality))
	}
	if q != media.QualityAdaptive && !q.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown image quality "+quality)
	}
	img, err := p.StudyImage(ctx, studyID, imageID, q)
	if err != nil {
		return nil, err
	}
	return &ImagePayload{
		Data:    img.Data,
		Width:   img.Width,
		Height:  img.Height,
		Quality: img.Quality,
		Stage:   img.Stage,
		Source:  img.Tier,
	}, nil
}

func (b *bridge) submitMutation(ctx context.Context, raw string) (*portal.Submission, error) {
	p, err := b.current()
	if err != nil {
		return nil, err
	}
	var request handlers.MutationRequest
	if err := json.Unmarshal([]byte(raw), &request); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid mutation", err)
	}
	return p.SubmitMutation(ctx, request.Mutation())
}

func (b *bridge) triggerSync(ctx context.Context) (*syncengine.Result, error) {
	p, err := b.current()
	if err != nil {
		return nil, err
	}
	return p.TriggerManualSync(ctx)
}

func (b *bridge) resolveConflict(ctx context.Context, id, policy string) error {
	p, err := b.current()
	if err != nil {
		return err
	}
	return p.Engine().ResolveConflict(ctx, id, models.ConflictPolicy(strings.ToUpper(policy)))
}

func (b *bridge) status(ctx context.Context) (*portal.Status, error) {
	p, err := b.current()
	if err != nil {
		return nil, err
	}
	return p.Status(ctx)
}

// =====================================================
// JSON envelope
// =====================================================

// errorBody is returned instead of a result when a call fails.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// encode renders v, or err as an errorBody.
func encode(v interface{}, err error) string {
	if err != nil {
		var body errorBody
		body.Error.Code = string(apperrors.CodeOf(err))
		body.Error.Message = err.Error()
		data, _ := json.Marshal(body)
		return string(data)
	}
	if v == nil {
		v = map[string]bool{"ok": true}
	}
	data, mErr := json.Marshal(v)
	if mErr != nil {
		return encode(nil, apperrors.Wrap(apperrors.ErrInternal, "failed to serialize result", mErr))
	}
	return string(data)
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

func main() {}
