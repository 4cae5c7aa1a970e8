package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/driveops/garch/internal/config"
)

// S3 exposes a bucket's key-prefix tree through the Client interface:
// folder IDs are prefixes ending in "/" (the bucket root is ""), file
// IDs are object keys. Uploads stream through multipart transfer so the
// archive size never has to be known up front.
type S3 struct {
	Client *minio.Client
	Bucket string
}

func NewS3(cfg config.S3Remote) (*S3, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 endpoint and bucket are required")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSInsecureSkip {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: transport,
		BucketLookup: func() minio.BucketLookupType {
			if cfg.ForcePathStyle {
				return minio.BucketLookupPath
			}
			return minio.BucketLookupDNS
		}(),
	})
	if err != nil {
		return nil, err
	}
	return &S3{Client: client, Bucket: cfg.Bucket}, nil
}

func isPrefix(id string) bool {
	return id == "" || strings.HasSuffix(id, "/")
}

func parentPrefix(id string) string {
	trimmed := strings.TrimSuffix(id, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return ""
	}
	return trimmed[:idx+1]
}

func (s *S3) Stat(ctx context.Context, id string) (Item, error) {
	if isPrefix(id) {
		name := path.Base(strings.TrimSuffix(id, "/"))
		if id == "" {
			name = s.Bucket
		}
		return Item{ID: id, Name: name, Parent: parentPrefix(id), IsFolder: true, Size: -1}, nil
	}
	stat, err := s.Client.StatObject(ctx, s.Bucket, id, minio.StatObjectOptions{})
	if err != nil {
		return Item{}, s3Error(StageList, err)
	}
	return Item{
		ID:       id,
		Name:     path.Base(id),
		Parent:   parentPrefix(id),
		Size:     stat.Size,
		ModTime:  stat.LastModified,
		MD5:      etagMD5(stat.ETag),
		HasBytes: true,
	}, nil
}

func (s *S3) List(ctx context.Context, folderID string) ([]Item, error) {
	if !isPrefix(folderID) {
		return nil, ListError(fmt.Errorf("not a folder prefix: %s", folderID), false)
	}
	ch := s.Client.ListObjects(ctx, s.Bucket, minio.ListObjectsOptions{Prefix: folderID, Recursive: false})
	var items []Item
	for obj := range ch {
		if obj.Err != nil {
			return nil, s3Error(StageList, obj.Err)
		}
		if obj.Key == folderID {
			// Placeholder object some tools create for the prefix itself.
			continue
		}
		if strings.HasSuffix(obj.Key, "/") {
			items = append(items, Item{
				ID:       obj.Key,
				Name:     path.Base(strings.TrimSuffix(obj.Key, "/")),
				Parent:   folderID,
				IsFolder: true,
				Size:     -1,
			})
			continue
		}
		items = append(items, Item{
			ID:       obj.Key,
			Name:     path.Base(obj.Key),
			Parent:   folderID,
			Size:     obj.Size,
			ModTime:  obj.LastModified,
			MD5:      etagMD5(obj.ETag),
			HasBytes: true,
		})
	}
	return items, nil
}

func (s *S3) OpenRead(ctx context.Context, fileID string) (io.ReadCloser, error) {
	obj, err := s.Client.GetObject(ctx, s.Bucket, fileID, minio.GetObjectOptions{})
	if err != nil {
		return nil, s3Error(StageRead, err)
	}
	// GetObject is lazy; force the request so open failures surface here.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s3Error(StageRead, err)
	}
	return obj, nil
}

func (s *S3) Upload(ctx context.Context, parentID, name string, r io.Reader) (UploadResult, error) {
	key := parentID + name
	info, err := s.Client.PutObject(ctx, s.Bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return UploadResult{}, s3Error(StageUpload, err)
	}
	return UploadResult{ID: key, Bytes: info.Size, MD5: etagMD5(info.ETag)}, nil
}

func (s *S3) Delete(ctx context.Context, id string) error {
	if !isPrefix(id) {
		if err := s.Client.RemoveObject(ctx, s.Bucket, id, minio.RemoveObjectOptions{}); err != nil {
			return s3Error(StageDelete, err)
		}
		return nil
	}
	ch := s.Client.ListObjects(ctx, s.Bucket, minio.ListObjectsOptions{Prefix: id, Recursive: true})
	for obj := range ch {
		if obj.Err != nil {
			return s3Error(StageDelete, obj.Err)
		}
		if err := s.Client.RemoveObject(ctx, s.Bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return s3Error(StageDelete, err)
		}
	}
	return nil
}

// etagMD5 returns the ETag as a content hash only when it is one:
// multipart ETags (marked with a "-") are not an MD5 of the content.
func etagMD5(etag string) string {
	etag = strings.Trim(etag, `"`)
	if strings.Contains(etag, "-") {
		return ""
	}
	return etag
}

func s3Error(stage Stage, err error) error {
	resp := minio.ToErrorResponse(err)
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 || resp.StatusCode == 0
	if resp.StatusCode == http.StatusUnauthorized || resp.Code == "InvalidAccessKeyId" || resp.Code == "SignatureDoesNotMatch" {
		return CredentialError(err)
	}
	return &Error{Stage: stage, Err: err, Retryable: retryable}
}
