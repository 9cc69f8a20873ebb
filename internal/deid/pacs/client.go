// Package pacs is the Orthanc REST client used for both the source and QC
// instances. Each Client carries its own base URL and credentials; there is
// no process-global authentication state. Every HTTP round-trip uses a
// freshly constructed client so a broken keep-alive connection is never
// reused, and a per-host circuit breaker fails fast when an instance is
// down mid-batch.
package pacs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/config"
	"github.com/locutushealth/dicomdeid/internal/deid/secrets"
)

const defaultTimeout = 120 * time.Second

// Client talks to one Orthanc instance.
type Client struct {
	baseURL          string
	explorerURL      string
	creds            secrets.Credentials
	dicomDirSuffix   string
	zipArchiveSuffix string
	useZipArchive    bool
	timeout          time.Duration
	breaker          *gobreaker.CircuitBreaker
}

// New creates a Client for the given PACS parameters. useZipArchive selects
// the hierarchical zip endpoint over the flat DICOMDIR endpoint (the
// download_version IntConfig drives this).
func New(param config.PACSParam, creds secrets.Credentials, useZipArchive bool) *Client {
	return &Client{
		baseURL:          strings.TrimRight(param.URL, "/"),
		explorerURL:      param.ExplorerURL,
		creds:            creds,
		dicomDirSuffix:   param.DicomDirSuffix,
		zipArchiveSuffix: param.ZipArchiveSuffix,
		useZipArchive:    useZipArchive,
		timeout:          defaultTimeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    param.URL,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// absoluteURL resolves a sub-URL such as "/studies/<uuid>" against the base.
func (c *Client) absoluteURL(sub string) string {
	if strings.HasPrefix(sub, "http://") || strings.HasPrefix(sub, "https://") {
		return sub
	}
	return c.baseURL + "/" + strings.TrimLeft(sub, "/")
}

// downloadEndpoint appends the archive suffix for a study URL, substituting
// the zip-archive suffix for the DICOMDIR suffix when the new mode is
// active.
func (c *Client) downloadEndpoint(studyURL string) string {
	suffix := c.dicomDirSuffix
	if c.useZipArchive {
		suffix = c.zipArchiveSuffix
	}
	if strings.HasSuffix(studyURL, c.dicomDirSuffix) {
		studyURL = strings.TrimSuffix(studyURL, c.dicomDirSuffix)
	} else if strings.HasSuffix(studyURL, c.zipArchiveSuffix) {
		studyURL = strings.TrimSuffix(studyURL, c.zipArchiveSuffix)
	}
	return studyURL + suffix
}

// do performs one HTTP round-trip on a fresh client, behind the breaker.
func (c *Client) do(ctx context.Context, method, url string, contentType string, body []byte) (int, []byte, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		client := &http.Client{Timeout: c.timeout}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return roundTrip{status: resp.StatusCode, body: respBody}, nil
	})
	if err != nil {
		return 0, nil, err
	}
	rt := result.(roundTrip)
	return rt.status, rt.body, nil
}

type roundTrip struct {
	status int
	body   []byte
}

// doRetry wraps do with bounded backoff. 4xx responses are not retried;
// they will not get better.
func (c *Client) doRetry(ctx context.Context, method, url, contentType string, body []byte) (int, []byte, error) {
	var status int
	var respBody []byte
	err := retry.Do(func() error {
		var err error
		status, respBody, err = c.do(ctx, method, url, contentType, body)
		if err != nil {
			return err
		}
		if status >= 500 {
			return fmt.Errorf("HTTP %d from %s", status, url)
		}
		return nil
	},
		retry.Attempts(3),
		retry.Delay(1*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Ctx(ctx).Warn().Uint("attempt", n).Err(err).Str("url", url).Msg("retrying pacs request")
		}),
	)
	return status, respBody, err
}

// DownloadStudy fetches a study archive. The returned bytes are either a
// flat DICOMDIR archive or a hierarchical zip depending on the client's
// download mode.
func (c *Client) DownloadStudy(ctx context.Context, studyURL string) ([]byte, apperrors.Error) {
	url := c.absoluteURL(c.downloadEndpoint(studyURL))
	status, body, err := c.doRetry(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("url", url).Msg("study download failed")
		return nil, ErrDownload.Err(err)
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound.New("study not found: " + studyURL)
	}
	if status != http.StatusOK {
		return nil, ErrDownload.New(fmt.Sprintf("HTTP %d downloading %s", status, studyURL))
	}
	return body, nil
}

type uploadResponse struct {
	ID          string `json:"ID"`
	Path        string `json:"Path"`
	Status      string `json:"Status"`
	ParentStudy string `json:"ParentStudy"`
}

// UploadInstance posts a single DICOM instance and returns its sub-URL and
// the parent study id when the server reports it.
func (c *Client) UploadInstance(ctx context.Context, dicomBytes []byte) (instanceSubURL, parentStudy string, aerr apperrors.Error) {
	url := c.absoluteURL("/instances")
	status, body, err := c.doRetry(ctx, http.MethodPost, url, "application/dicom", dicomBytes)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("instance upload failed")
		return "", "", ErrUpload.Err(err)
	}
	if status != http.StatusOK {
		return "", "", ErrUpload.New(fmt.Sprintf("HTTP %d uploading instance", status))
	}

	var resp uploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", ErrUpload.New("unable to decode upload response").Err(err)
	}
	sub := resp.Path
	if sub == "" && resp.ID != "" {
		sub = "/instances/" + resp.ID
	}
	if sub == "" {
		return "", "", ErrUpload.New("upload response carried no instance path")
	}
	return sub, resp.ParentStudy, nil
}

// ResolveParentStudy resolves the study owning an instance. When the upload
// response already named the parent study it is used directly; otherwise
// the instance and its parent series are fetched in turn.
func (c *Client) ResolveParentStudy(ctx context.Context, instanceSubURL, parentStudyHint string) (apiStudyURL, explorerStudyURL string, aerr apperrors.Error) {
	studyID := parentStudyHint
	if studyID == "" {
		var err apperrors.Error
		studyID, err = c.walkToParentStudy(ctx, instanceSubURL)
		if err != nil {
			return "", "", err
		}
	}
	apiStudyURL = "/studies/" + studyID
	if c.explorerURL != "" {
		explorerStudyURL = strings.TrimRight(c.explorerURL, "/") + "/#study?uuid=" + studyID
	}
	return apiStudyURL, explorerStudyURL, nil
}

func (c *Client) walkToParentStudy(ctx context.Context, instanceSubURL string) (string, apperrors.Error) {
	var instance struct {
		ParentSeries string `json:"ParentSeries"`
	}
	if err := c.getJSON(ctx, instanceSubURL, &instance); err != nil {
		return "", ErrResolve.New("unable to fetch instance " + instanceSubURL).Err(err)
	}
	if instance.ParentSeries == "" {
		return "", ErrResolve.New("instance has no parent series: " + instanceSubURL)
	}

	var series struct {
		ParentStudy string `json:"ParentStudy"`
	}
	if err := c.getJSON(ctx, "/series/"+instance.ParentSeries, &series); err != nil {
		return "", ErrResolve.New("unable to fetch series " + instance.ParentSeries).Err(err)
	}
	if series.ParentStudy == "" {
		return "", ErrResolve.New("series has no parent study: " + instance.ParentSeries)
	}
	return series.ParentStudy, nil
}

func (c *Client) getJSON(ctx context.Context, subURL string, out any) error {
	status, body, err := c.doRetry(ctx, http.MethodGet, c.absoluteURL(subURL), "", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("HTTP %d fetching %s", status, subURL)
	}
	return json.Unmarshal(body, out)
}

// StudyExists reports whether a study URL is still live.
func (c *Client) StudyExists(ctx context.Context, studyURL string) (bool, apperrors.Error) {
	status, _, err := c.doRetry(ctx, http.MethodGet, c.absoluteURL(studyURL), "", nil)
	if err != nil {
		return false, ErrPACS.New("unable to check study " + studyURL).Err(err)
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, ErrPACS.New(fmt.Sprintf("HTTP %d checking %s", status, studyURL))
	}
}

// DeleteStudy removes a study. Deleting an already absent study is not an
// error.
func (c *Client) DeleteStudy(ctx context.Context, studyURL string) apperrors.Error {
	status, _, err := c.doRetry(ctx, http.MethodDelete, c.absoluteURL(studyURL), "", nil)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("url", studyURL).Msg("study delete failed")
		return ErrDelete.Err(err)
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return ErrDelete.New(fmt.Sprintf("HTTP %d deleting %s", status, studyURL))
	}
	return nil
}
