/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package objectstore implements store.ObjectStore against a minio-go
// client, used by the data corrector's staged-artifact writes.
package objectstore

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"

	selfherrors "github.com/jordigilh/selfheal/pkg/shared/errors"
	"github.com/jordigilh/selfheal/pkg/store"
)

// MinioStore is a store.ObjectStore backed by a single minio bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore wraps an already-constructed minio client, scoped to
// one bucket (created by the caller's infra provisioning, not here).
func NewMinioStore(client *minio.Client, bucket string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket}
}

func (m *MinioStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return selfherrors.Wrapf(err, "upload object %s", key)
	}
	return nil
}

func (m *MinioStore) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, selfherrors.Wrapf(err, "download object %s", key)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, selfherrors.Wrapf(err, "read object %s", key)
	}
	return data, nil
}

func (m *MinioStore) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return selfherrors.Wrapf(err, "delete object %s", key)
	}
	return nil
}

func (m *MinioStore) List(ctx context.Context, prefix string) ([]store.ObjectMetadata, error) {
	var out []store.ObjectMetadata
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, selfherrors.Wrapf(obj.Err, "list objects with prefix %s", prefix)
		}
		out = append(out, store.ObjectMetadata{
			Key:         obj.Key,
			Size:        obj.Size,
			ContentType: obj.ContentType,
			UserMeta:    obj.UserMetadata,
		})
	}
	return out, nil
}

func (m *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, selfherrors.Wrapf(err, "stat object %s", key)
	}
	return true, nil
}

func (m *MinioStore) GetMetadata(ctx context.Context, key string) (*store.ObjectMetadata, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, selfherrors.Wrapf(err, "stat object %s", key)
	}
	return &store.ObjectMetadata{
		Key:         key,
		Size:        info.Size,
		ContentType: info.ContentType,
		UserMeta:    info.UserMetadata,
	}, nil
}

func (m *MinioStore) UpdateMetadata(ctx context.Context, key string, userMeta map[string]string) error {
	src := minio.CopySrcOptions{Bucket: m.bucket, Object: key}
	dst := minio.CopyDestOptions{Bucket: m.bucket, Object: key, UserMetadata: userMeta, ReplaceMetadata: true}
	_, err := m.client.CopyObject(ctx, dst, src)
	if err != nil {
		return selfherrors.Wrapf(err, "update metadata for object %s", key)
	}
	return nil
}

func (m *MinioStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	src := minio.CopySrcOptions{Bucket: m.bucket, Object: srcKey}
	dst := minio.CopyDestOptions{Bucket: m.bucket, Object: dstKey}
	_, err := m.client.CopyObject(ctx, dst, src)
	if err != nil {
		return selfherrors.Wrapf(err, "copy object %s to %s", srcKey, dstKey)
	}
	return nil
}

func (m *MinioStore) Move(ctx context.Context, srcKey, dstKey string) error {
	if err := m.Copy(ctx, srcKey, dstKey); err != nil {
		return err
	}
	return m.Delete(ctx, srcKey)
}
