package qbsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/brokermate/crm_backend/models"
)

const defaultPageSize = 1000

// ConnectionStore persists token and status changes on a connection.
type ConnectionStore interface {
	SaveTokens(ctx context.Context, conn *models.LedgerConnection, accessToken, refreshToken string, accessExpiresAt, refreshExpiresAt time.Time) error
	MarkExpired(ctx context.Context, conn *models.LedgerConnection) error
}

type qbClient struct {
	baseURL      string
	tokenURL     string
	clientID     string
	clientSecret string
	minorVersion string
	http         *http.Client
	limiter      <-chan time.Time
	store        ConnectionStore
	pageSize     int
}

func newQBClient(store ConnectionStore) *qbClient {
	baseURL := strings.TrimSpace(os.Getenv("QBO_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://quickbooks.api.intuit.com"
	}
	tokenURL := strings.TrimSpace(os.Getenv("QBO_TOKEN_URL"))
	if tokenURL == "" {
		tokenURL = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	}
	minorVersion := strings.TrimSpace(os.Getenv("QBO_MINOR_VERSION"))
	if minorVersion == "" {
		minorVersion = "65"
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("QBO_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &qbClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		tokenURL:     tokenURL,
		clientID:     strings.TrimSpace(os.Getenv("QBO_CLIENT_ID")),
		clientSecret: strings.TrimSpace(os.Getenv("QBO_CLIENT_SECRET")),
		minorVersion: minorVersion,
		http:         &http.Client{Timeout: 30 * time.Second},
		limiter:      time.Tick(interval),
		store:        store,
		pageSize:     defaultPageSize,
	}
}

// do performs one authenticated request against the company endpoint. A 401
// response triggers exactly one token refresh and replay; a second 401 fails.
func (c *qbClient) do(ctx context.Context, conn *models.LedgerConnection, method, path string, params url.Values, body []byte) ([]byte, error) {
	if err := c.ensureFreshConnection(ctx, conn); err != nil {
		return nil, err
	}

	<-c.limiter
	respBody, status, err := c.send(ctx, conn, method, path, params, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		if err := c.refreshConnection(ctx, conn); err != nil {
			return nil, err
		}
		respBody, status, err = c.send(ctx, conn, method, path, params, body)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			_ = c.store.MarkExpired(ctx, conn)
			return nil, ErrRefreshFailed
		}
	}
	if status < 200 || status >= 300 {
		return nil, mapAPIError(status, respBody)
	}
	return respBody, nil
}

func (c *qbClient) send(ctx context.Context, conn *models.LedgerConnection, method, path string, params url.Values, body []byte) ([]byte, int, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("minorversion", c.minorVersion)
	endpoint := c.baseURL + path + "?" + params.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	return respBody, resp.StatusCode, nil
}

// mapAPIError turns a non-2xx response into the taxonomy error it represents.
func mapAPIError(status int, body []byte) error {
	switch status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}

	var envelope qbQueryEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Fault != nil {
		for _, fe := range envelope.Fault.Error {
			// 5010 is the remote ledger's stale-object code.
			if fe.Code == "5010" || strings.Contains(strings.ToLower(fe.Message), "stale") {
				return ErrConflict
			}
			if fe.Code == "610" {
				return ErrNotFound
			}
		}
		if len(envelope.Fault.Error) > 0 {
			fe := envelope.Fault.Error[0]
			return fmt.Errorf("ledger api error %d (code %s): %s", status, fe.Code, fe.Message)
		}
	}
	if status == http.StatusConflict {
		return ErrConflict
	}
	return fmt.Errorf("ledger api error %d: %s", status, strings.TrimSpace(string(body)))
}

// query runs one page of a ledger query. Pagination is expressed inside the
// statement itself via STARTPOSITION/MAXRESULTS.
func (c *qbClient) query(ctx context.Context, conn *models.LedgerConnection, statement string, startPosition, maxResults int) (*qbQueryResponse, error) {
	paged := fmt.Sprintf("%s STARTPOSITION %d MAXRESULTS %d", statement, startPosition, maxResults)
	params := url.Values{}
	params.Set("query", paged)

	body, err := c.do(ctx, conn, http.MethodGet, "/v3/company/"+conn.RealmId+"/query", params, nil)
	if err != nil {
		return nil, err
	}
	var envelope qbQueryEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	return &envelope.QueryResponse, nil
}

// queryAll walks every page of a query. The page callback returns how many
// entities the page held; a short page ends the walk.
func (c *qbClient) queryAll(ctx context.Context, conn *models.LedgerConnection, statement string, page func(resp *qbQueryResponse) (int, error)) error {
	startPosition := 1
	for {
		resp, err := c.query(ctx, conn, statement, startPosition, c.pageSize)
		if err != nil {
			return err
		}
		n, err := page(resp)
		if err != nil {
			return err
		}
		if n < c.pageSize {
			return nil
		}
		startPosition += n
	}
}

// getEntity fetches one entity by id and returns the raw response body so
// that callers can round-trip fields this package does not model.
func (c *qbClient) getEntity(ctx context.Context, conn *models.LedgerConnection, entityType, id string) ([]byte, error) {
	path := "/v3/company/" + conn.RealmId + "/" + strings.ToLower(entityType) + "/" + url.PathEscape(id)
	return c.do(ctx, conn, http.MethodGet, path, nil, nil)
}

// postEntity writes a full entity document back to the remote ledger.
func (c *qbClient) postEntity(ctx context.Context, conn *models.LedgerConnection, entityType string, body []byte) ([]byte, error) {
	path := "/v3/company/" + conn.RealmId + "/" + strings.ToLower(entityType)
	return c.do(ctx, conn, http.MethodPost, path, nil, body)
}

type attachableRef struct {
	EntityRef     qbRef `json:"EntityRef"`
	IncludeOnSend bool  `json:"IncludeOnSend"`
}

type attachableMetadata struct {
	FileName      string          `json:"FileName"`
	ContentType   string          `json:"ContentType"`
	Note          string          `json:"Note,omitempty"`
	AttachableRef []attachableRef `json:"AttachableRef"`
}

// uploadAttachment posts one file plus its metadata as a multipart upload
// bound to the given remote entity.
func (c *qbClient) uploadAttachment(ctx context.Context, conn *models.LedgerConnection, entityType, entityId, fileName, contentType string, content []byte) error {
	if err := c.ensureFreshConnection(ctx, conn); err != nil {
		return err
	}

	meta := attachableMetadata{
		FileName:    fileName,
		ContentType: contentType,
		AttachableRef: []attachableRef{
			{EntityRef: qbRef{Value: entityId, Name: entityType}},
		},
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Disposition", `form-data; name="file_metadata_01"`)
	metaHeader.Set("Content-Type", "application/json")
	metaPart, err := writer.CreatePart(metaHeader)
	if err != nil {
		return err
	}
	if _, err := metaPart.Write(metaJSON); err != nil {
		return err
	}

	fileHeader := textproto.MIMEHeader{}
	fileHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file_content_01"; filename="%s"`, fileName))
	fileHeader.Set("Content-Type", contentType)
	filePart, err := writer.CreatePart(fileHeader)
	if err != nil {
		return err
	}
	if _, err := filePart.Write(content); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	<-c.limiter
	params := url.Values{}
	params.Set("minorversion", c.minorVersion)
	endpoint := c.baseURL + "/v3/company/" + conn.RealmId + "/upload?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		if err := c.refreshConnection(ctx, conn); err != nil {
			return err
		}
		req2, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return err
		}
		req2.Header.Set("Authorization", "Bearer "+conn.AccessToken)
		req2.Header.Set("Accept", "application/json")
		req2.Header.Set("Content-Type", writer.FormDataContentType())
		resp2, err := c.http.Do(req2)
		if err != nil {
			return err
		}
		defer resp2.Body.Close()
		respBody, _ = io.ReadAll(resp2.Body)
		if resp2.StatusCode < 200 || resp2.StatusCode >= 300 {
			return mapAPIError(resp2.StatusCode, respBody)
		}
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mapAPIError(resp.StatusCode, respBody)
	}
	return nil
}
