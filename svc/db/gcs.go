package db

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"
)

type GCSConfig struct {
	Bucket          string
	Prefix          string
	UniformACL      bool
	CredentialsFile string
	Endpoint        string
}

type gcsBucket struct {
	svc        *storage.Service
	bucket     string
	uniformACL bool
}

// NewGCS opens an object store on a Google Cloud Storage bucket using
// application default credentials unless a credentials file is given.
func NewGCS(ctx context.Context, c GCSConfig) (*Object, error) {
	if c.Bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}
	var opts []option.ClientOption
	if c.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint), option.WithoutAuthentication())
	}
	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create gcs client")
	}
	b := &gcsBucket{svc: svc, bucket: c.Bucket, uniformACL: c.UniformACL}
	return NewObject("gcs", b, c.Prefix), nil
}

func (b *gcsBucket) Put(ctx context.Context, key string, data []byte, metadata map[string]string, ifAbsent bool) error {
	obj := &storage.Object{
		Name:        key,
		ContentType: "application/json",
		Metadata:    metadata,
	}
	call := b.svc.Objects.Insert(b.bucket, obj).Media(bytes.NewReader(data)).Context(ctx)
	if !b.uniformACL {
		call = call.PredefinedAcl("private")
	}
	if ifAbsent {
		call = call.IfGenerationMatch(0)
	}
	_, err := call.Do()
	if ifAbsent && gcsCode(err) == http.StatusPreconditionFailed {
		return errObjectExists
	}
	return err
}

func (b *gcsBucket) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.svc.Objects.Get(b.bucket, key).Context(ctx).Download()
	if err != nil {
		if gcsCode(err) == http.StatusNotFound {
			return nil, errObjectNotFound
		}
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *gcsBucket) Head(ctx context.Context, key string) (map[string]string, error) {
	obj, err := b.svc.Objects.Get(b.bucket, key).Context(ctx).Do()
	if err != nil {
		if gcsCode(err) == http.StatusNotFound {
			return nil, errObjectNotFound
		}
		return nil, err
	}
	if obj.Metadata == nil {
		return map[string]string{}, nil
	}
	return obj.Metadata, nil
}

func (b *gcsBucket) Delete(ctx context.Context, key string) error {
	err := b.svc.Objects.Delete(b.bucket, key).Context(ctx).Do()
	if gcsCode(err) == http.StatusNotFound {
		return errObjectNotFound
	}
	return err
}

func (b *gcsBucket) List(ctx context.Context, prefix, pageToken string) ([]ObjectInfo, string, error) {
	call := b.svc.Objects.List(b.bucket).Prefix(prefix).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Do()
	if err != nil {
		return nil, "", err
	}
	objs := make([]ObjectInfo, 0, len(res.Items))
	for _, item := range res.Items {
		meta := item.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		objs = append(objs, ObjectInfo{Key: item.Name, Metadata: meta})
	}
	return objs, res.NextPageToken, nil
}

func gcsCode(err error) int {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code
	}
	return 0
}
