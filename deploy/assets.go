package deploy

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used for deployment assets.
type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// handlerEntry is the executable name the provided.al2023 runtime starts.
const handlerEntry = "bootstrap"

// Asset is an object published to the asset bucket.
type Asset struct {
	Bucket   string
	Key      string
	SHA256   string
	Uploaded bool
}

// HandlerZip packages a compiled handler binary as a Lambda deployment
// package. The archive is deterministic so identical binaries hash the same.
func HandlerZip(binary []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	hdr := &zip.FileHeader{
		Name:     handlerEntry,
		Method:   zip.Deflate,
		Modified: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	hdr.SetMode(0o755)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(binary); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PublishHandler packages the handler binary at path and uploads it under a
// content-addressed key, skipping the upload when the object already exists.
func (d *Deployer) PublishHandler(ctx context.Context, path string) (Asset, error) {
	binary, err := os.ReadFile(path)
	if err != nil {
		return Asset{}, fmt.Errorf("read handler binary: %w", err)
	}
	pkg, err := HandlerZip(binary)
	if err != nil {
		return Asset{}, fmt.Errorf("package handler: %w", err)
	}
	sum := sha256.Sum256(pkg)
	digest := hex.EncodeToString(sum[:])
	return d.publish(ctx, "keyhandler/"+digest+".zip", digest, pkg, "application/zip")
}

func (d *Deployer) publish(ctx context.Context, key, digest string, body []byte, contentType string) (Asset, error) {
	bucket := d.Config.AssetBucketName()
	asset := Asset{Bucket: bucket, Key: key, SHA256: digest}

	if err := d.EnsureBucket(ctx); err != nil {
		return asset, err
	}

	_, err := d.S3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err == nil {
		d.Logger.Debug().Str("bucket", bucket).Str("key", key).Msg("asset already published")
		return asset, nil
	}
	if err := mapAWSError(err, "object", key); !IsNotFound(err) {
		return asset, err
	}

	_, err = d.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return asset, mapAWSError(err, "object", key)
	}
	asset.Uploaded = true
	d.Logger.Info().Str("bucket", bucket).Str("key", key).Int("bytes", len(body)).Msg("asset published")
	return asset, nil
}

// EnsureBucket creates the asset bucket when it does not exist.
func (d *Deployer) EnsureBucket(ctx context.Context) error {
	bucket := d.Config.AssetBucketName()
	_, err := d.S3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	if err := mapAWSError(err, "bucket", bucket); !IsNotFound(err) {
		return err
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if d.Config.Region != "" && d.Config.Region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(d.Config.Region),
		}
	}
	if _, err := d.S3.CreateBucket(ctx, in); err != nil {
		var conflict *ConflictError
		if mapped := mapAWSError(err, "bucket", bucket); !errors.As(mapped, &conflict) {
			return mapped
		}
	}
	d.Logger.Info().Str("bucket", bucket).Msg("asset bucket created")
	return nil
}
