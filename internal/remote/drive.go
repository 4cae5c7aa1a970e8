package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/driveops/garch/internal/config"
	"github.com/driveops/garch/internal/util"
)

const (
	driveScope      = "https://www.googleapis.com/auth/drive"
	driveFolderMime = "application/vnd.google-apps.folder"
	driveAPIBase    = "https://www.googleapis.com/drive/v3"
	driveUploadBase = "https://www.googleapis.com/upload/drive/v3"

	driveListPageSize = 1000
	statFields        = "id,name,mimeType,size,parents,modifiedTime,md5Checksum"
)

// Drive talks to the Google Drive v3 REST API. Token refresh is handled
// by the oauth2 transport; a stored token is required since there is no
// interactive consent flow in a non-interactive run.
type Drive struct {
	HTTP      *http.Client
	Base      string
	UploadURL string
	ChunkSize int64
	Retry     util.Policy
	Log       zerolog.Logger
}

type clientSecrets struct {
	Installed *clientSecret `json:"installed"`
	Web       *clientSecret `json:"web"`
}

type clientSecret struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	TokenURI     string `json:"token_uri"`
}

// NewDrive builds a Drive client from stored credentials. The token file
// (or inline token JSON) must exist; the credentials file, when present,
// enables refresh of expired tokens.
func NewDrive(ctx context.Context, auth config.AuthConfig, cfg config.DriveRemote, chunkSize int64, retry util.Policy, log zerolog.Logger) (*Drive, error) {
	source, err := tokenSource(ctx, auth)
	if err != nil {
		return nil, err
	}
	base := cfg.Endpoint
	if base == "" {
		base = driveAPIBase
	}
	uploadBase := cfg.UploadEndpoint
	if uploadBase == "" {
		uploadBase = driveUploadBase
	}
	if chunkSize < 256*1024 {
		chunkSize = 256 * 1024
	}
	// Resumable chunks must be a multiple of 256 KiB.
	chunkSize -= chunkSize % (256 * 1024)
	return &Drive{
		HTTP:      oauth2.NewClient(ctx, source),
		Base:      strings.TrimSuffix(base, "/"),
		UploadURL: strings.TrimSuffix(uploadBase, "/"),
		ChunkSize: chunkSize,
		Retry:     retry,
		Log:       log,
	}, nil
}

func tokenSource(ctx context.Context, auth config.AuthConfig) (oauth2.TokenSource, error) {
	var raw []byte
	switch {
	case auth.TokenJSON != "":
		raw = []byte(auth.TokenJSON)
	case auth.TokenFile != "":
		data, err := os.ReadFile(auth.TokenFile)
		if err != nil {
			return nil, CredentialError(fmt.Errorf("read token file: %w", err))
		}
		raw = data
	default:
		return nil, CredentialError(errors.New("no token configured; supply --token or a token file"))
	}

	var token oauth2.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, CredentialError(fmt.Errorf("parse token: %w", err))
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, CredentialError(errors.New("token has neither access_token nor refresh_token"))
	}

	secret, err := readClientSecrets(auth.CredentialsFile)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		// No client secrets: the stored access token is used as-is and
		// cannot be refreshed once it expires.
		return oauth2.StaticTokenSource(&token), nil
	}
	conf := &oauth2.Config{
		ClientID:     secret.ClientID,
		ClientSecret: secret.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: secret.TokenURI},
		Scopes:       []string{driveScope},
	}
	if conf.Endpoint.TokenURL == "" {
		conf.Endpoint.TokenURL = "https://oauth2.googleapis.com/token"
	}
	return conf.TokenSource(ctx, &token), nil
}

func readClientSecrets(path string) (*clientSecret, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, CredentialError(fmt.Errorf("read credentials file: %w", err))
	}
	var secrets clientSecrets
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, CredentialError(fmt.Errorf("parse credentials file: %w", err))
	}
	if secrets.Installed != nil {
		return secrets.Installed, nil
	}
	if secrets.Web != nil {
		return secrets.Web, nil
	}
	return nil, CredentialError(errors.New("credentials file has no installed or web client"))
}

type driveFile struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MimeType     string   `json:"mimeType"`
	Size         string   `json:"size"`
	Parents      []string `json:"parents"`
	ModifiedTime string   `json:"modifiedTime"`
	MD5Checksum  string   `json:"md5Checksum"`
}

func (f driveFile) toItem() Item {
	item := Item{
		ID:       f.ID,
		Name:     f.Name,
		IsFolder: f.MimeType == driveFolderMime,
		Size:     -1,
		MD5:      f.MD5Checksum,
	}
	if len(f.Parents) > 0 {
		item.Parent = f.Parents[0]
	}
	if f.Size != "" {
		if size, err := strconv.ParseInt(f.Size, 10, 64); err == nil {
			item.Size = size
		}
	}
	// Drive-native documents (Docs, Sheets) report no size and have no
	// binary content to download.
	item.HasBytes = !item.IsFolder && f.Size != ""
	if f.ModifiedTime != "" {
		if ts, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
			item.ModTime = ts
		}
	}
	return item
}

func (d *Drive) Stat(ctx context.Context, id string) (Item, error) {
	endpoint := fmt.Sprintf("%s/files/%s?fields=%s&supportsAllDrives=true", d.Base, url.PathEscape(id), url.QueryEscape(statFields))
	var meta driveFile
	if err := d.getJSON(ctx, endpoint, &meta, StageList); err != nil {
		return Item{}, err
	}
	return meta.toItem(), nil
}

func (d *Drive) List(ctx context.Context, folderID string) ([]Item, error) {
	var items []Item
	pageToken := ""
	for {
		query := url.Values{}
		query.Set("q", fmt.Sprintf("'%s' in parents and trashed=false", folderID))
		query.Set("fields", "nextPageToken,files("+statFields+")")
		query.Set("pageSize", strconv.Itoa(driveListPageSize))
		query.Set("supportsAllDrives", "true")
		query.Set("includeItemsFromAllDrives", "true")
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		var page struct {
			NextPageToken string      `json:"nextPageToken"`
			Files         []driveFile `json:"files"`
		}
		if err := d.getJSON(ctx, d.Base+"/files?"+query.Encode(), &page, StageList); err != nil {
			return nil, err
		}
		for _, f := range page.Files {
			items = append(items, f.toItem())
		}
		if page.NextPageToken == "" {
			return items, nil
		}
		pageToken = page.NextPageToken
	}
}

func (d *Drive) OpenRead(ctx context.Context, fileID string) (io.ReadCloser, error) {
	endpoint := fmt.Sprintf("%s/files/%s?alt=media&supportsAllDrives=true", d.Base, url.PathEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, ReadError(err, false)
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return nil, ReadError(err, true)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, stageError(StageRead, resp)
	}
	return resp.Body, nil
}

// Upload performs a resumable upload: a session is opened, the stream is
// sent in fixed-size chunks with Content-Range headers, and the final
// chunk carries the total size. Individual chunks are retried; on any
// surfaced failure the session is cancelled so no committed object
// remains visible.
func (d *Drive) Upload(ctx context.Context, parentID, name string, r io.Reader) (UploadResult, error) {
	session, err := d.beginUpload(ctx, parentID, name)
	if err != nil {
		return UploadResult{}, err
	}

	buf := make([]byte, d.ChunkSize)
	var offset int64
	for {
		n, readErr := io.ReadFull(r, buf)
		last := false
		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			last = true
		default:
			d.cancelUpload(session)
			return UploadResult{}, UploadError(fmt.Errorf("read archive stream: %w", readErr), false)
		}

		result, done, chunkErr := d.putChunk(ctx, session, buf[:n], offset, last)
		if chunkErr != nil {
			d.cancelUpload(session)
			return UploadResult{}, chunkErr
		}
		offset += int64(n)
		if last {
			if !done {
				d.cancelUpload(session)
				return UploadResult{}, UploadError(fmt.Errorf("session not finalized after %d bytes", offset), false)
			}
			return result, nil
		}
	}
}

func (d *Drive) beginUpload(ctx context.Context, parentID, name string) (string, error) {
	meta := map[string]any{"name": name, "parents": []string{parentID}}
	body, _ := json.Marshal(meta)

	var session string
	err := d.Retry.Do(ctx, func() error {
		endpoint := d.UploadURL + "/files?uploadType=resumable&supportsAllDrives=true&fields=" + url.QueryEscape("id,name,size,md5Checksum")
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return UploadError(err, false)
		}
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
		req.Header.Set("X-Upload-Content-Type", "application/octet-stream")
		resp, err := d.HTTP.Do(req)
		if err != nil {
			return UploadError(err, true)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return stageError(StageUpload, resp)
		}
		session = resp.Header.Get("Location")
		if session == "" {
			return UploadError(errors.New("upload session response missing Location header"), false)
		}
		return nil
	})
	return session, err
}

func (d *Drive) putChunk(ctx context.Context, session string, chunk []byte, offset int64, last bool) (UploadResult, bool, error) {
	var contentRange string
	switch {
	case len(chunk) == 0 && last:
		contentRange = fmt.Sprintf("bytes */%d", offset)
	case last:
		total := offset + int64(len(chunk))
		contentRange = fmt.Sprintf("bytes %d-%d/%d", offset, total-1, total)
	default:
		contentRange = fmt.Sprintf("bytes %d-%d/*", offset, offset+int64(len(chunk))-1)
	}

	var result UploadResult
	var done bool
	err := d.Retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, session, bytes.NewReader(chunk))
		if err != nil {
			return UploadError(err, false)
		}
		req.Header.Set("Content-Range", contentRange)
		req.ContentLength = int64(len(chunk))
		resp, err := d.HTTP.Do(req)
		if err != nil {
			return UploadError(err, true)
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusPermanentRedirect: // 308 resume incomplete
			done = false
			return nil
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			var meta driveFile
			if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
				return UploadError(fmt.Errorf("decode commit response: %w", err), false)
			}
			item := meta.toItem()
			result = UploadResult{ID: item.ID, Bytes: item.Size, MD5: item.MD5}
			done = true
			return nil
		default:
			return stageError(StageUpload, resp)
		}
	})
	return result, done, err
}

// cancelUpload abandons an in-progress session. Failures here only leave
// an uncommitted session behind for the remote's own garbage collection,
// so they are logged and not surfaced.
func (d *Drive) cancelUpload(session string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, session, nil)
	if err != nil {
		return
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		d.Log.Warn().Err(err).Msg("failed to cancel upload session; orphan left for remote cleanup")
		return
	}
	resp.Body.Close()
}

func (d *Drive) Delete(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("%s/files/%s?supportsAllDrives=true", d.Base, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return DeleteError(err, false)
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return DeleteError(err, true)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return stageError(StageDelete, resp)
	}
	return nil
}

func (d *Drive) getJSON(ctx context.Context, endpoint string, out any, stage Stage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &Error{Stage: stage, Err: err}
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return &Error{Stage: stage, Err: err, Retryable: true}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stageError(stage, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Stage: stage, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// stageError maps an API error response to a typed stage error. 429 and
// 5xx are retryable; 401 means the token is unusable and retrying would
// only repeat the failure.
func stageError(stage Stage, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("drive API returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	if resp.StatusCode == http.StatusUnauthorized {
		return CredentialError(cause)
	}
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return &Error{Stage: stage, Err: cause, Retryable: retryable}
}
