package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/models"
)

// ConflictError is a mutation the server rejected as stale (HTTP 409). Server
// holds the server's current copy of the entity.
type ConflictError struct {
	Kind     models.EntityKind
	EntityID string
	Server   []byte
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("server rejected stale %s %s", e.Kind, e.EntityID)
}

// AsConflict returns the ConflictError carried by err, if any.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// API is the portal backend over the adaptive client.
type API struct {
	client *Client
}

// NewAPI creates an API.
func NewAPI(client *Client) *API {
	return &API{client: client}
}

// Client returns the underlying client.
func (a *API) Client() *Client {
	return a.client
}

// ListPatientStudies returns the server's study list for a patient.
func (a *API) ListPatientStudies(ctx context.Context, patientID string) ([]models.Study, error) {
	resp, err := a.client.Do(ctx, &Request{
		Method:       http.MethodGet,
		Path:         "/patients/" + url.PathEscape(patientID) + "/studies",
		RequiresAuth: true,
		NoCache:      true,
		Priority:     models.PriorityMedium,
	})
	if err != nil {
		return nil, err
	}
	var studies []models.Study
	if err := resp.JSON(&studies); err != nil {
		return nil, err
	}
	return studies, nil
}

// GetStudy returns one study with its series and images.
func (a *API) GetStudy(ctx context.Context, studyID string) (*models.Study, error) {
	resp, err := a.client.Do(ctx, &Request{
		Method:       http.MethodGet,
		Path:         "/studies/" + url.PathEscape(studyID),
		RequiresAuth: true,
		NoCache:      true,
		Priority:     models.PriorityMedium,
	})
	if err != nil {
		return nil, err
	}
	var study models.Study
	if err := resp.JSON(&study); err != nil {
		return nil, err
	}
	return &study, nil
}

// GetReport returns the report of a study, or nil when the study has none.
func (a *API) GetReport(ctx context.Context, studyID string) (*models.Report, error) {
	resp, err := a.client.Do(ctx, &Request{
		Method:       http.MethodGet,
		Path:         "/studies/" + url.PathEscape(studyID) + "/report",
		RequiresAuth: true,
		NoCache:      true,
		Priority:     models.PriorityHigh,
	})
	if StatusCode(err) == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var report models.Report
	if err := resp.JSON(&report); err != nil {
		return nil, err
	}
	return &report, nil
}

// FetchImage downloads raw image bytes. Relative URLs resolve against the
// backend base URL.
func (a *API) FetchImage(ctx context.Context, rawURL string, expectedSize int64) ([]byte, error) {
	resp, err := a.client.Do(ctx, &Request{
		Method:       http.MethodGet,
		Path:         rawURL,
		Header:       map[string]string{"Accept": "image/*"},
		RequiresAuth: true,
		NoCache:      true,
		Priority:     models.PriorityLow,
		ExpectedSize: expectedSize,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// PushMutation delivers one queued mutation. With overwrite set the server
// is told to replace its copy regardless of version. A 409 is returned as
// *ConflictError.
func (a *API) PushMutation(ctx context.Context, m *models.Mutation, overwrite bool) error {
	path, err := mutationPath(m)
	if err != nil {
		return err
	}
	method := http.MethodPost
	switch m.Type {
	case models.MutationUpdate:
		method = http.MethodPut
	case models.MutationDelete:
		method = http.MethodDelete
	}
	if overwrite && method == http.MethodPost {
		method = http.MethodPut
		path = path + "/" + url.PathEscape(m.EntityID)
	}

	var body []byte
	if m.Type != models.MutationDelete || m.Body() != nil {
		if body, err = m.EncodePayload(); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode mutation", err)
		}
	}
	header := map[string]string{}
	if overwrite {
		header["X-Conflict-Resolution"] = "overwrite"
	}

	_, err = a.client.Do(ctx, &Request{
		Method:       method,
		Path:         path,
		Body:         body,
		Header:       header,
		RequiresAuth: true,
		Priority:     m.Priority,
		NoQueue:      true,
	})
	if StatusCode(err) == http.StatusConflict {
		var se *StatusError
		errors.As(err, &se)
		return &ConflictError{Kind: m.Kind, EntityID: m.EntityID, Server: se.Body}
	}
	return err
}

func mutationPath(m *models.Mutation) (string, error) {
	var base string
	switch m.Kind {
	case models.KindAppointment:
		base = "/appointments"
	case models.KindShare:
		base = "/shares"
	case models.KindExport:
		base = "/exports"
	case models.KindConsent:
		base = "/consents"
	default:
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown entity kind %q", m.Kind))
	}
	if m.Type == models.MutationCreate {
		return base, nil
	}
	return base + "/" + url.PathEscape(m.EntityID), nil
}
