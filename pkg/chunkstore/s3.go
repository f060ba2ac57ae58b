// Writes your chunks to AWS S3
package chunkstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"regexp"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/aws/s3facade"
	"github.com/function61/gokit/logex"
)

type s3chunkstore struct {
	bucket string
	client *s3.S3
	logl   *logex.Leveled
}

func NewS3(opts string, logger *log.Logger) (*s3chunkstore, error) {
	bucket, regionId, accessKeyId, secret, err := parseOptionsString(opts)
	if err != nil {
		return nil, err
	}

	client, err := s3facade.Client(accessKeyId, secret, regionId)
	if err != nil {
		return nil, err
	}

	return &s3chunkstore{
		bucket: bucket,
		client: client,
		logl:   logex.Levels(logger),
	}, nil
}

func (g *s3chunkstore) RawFetch(ctx context.Context, ref reltypes.ChunkRef) (io.ReadCloser, error) {
	res, err := g.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: &g.bucket,
		Key:    aws.String(toS3Name(ref)),
	})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == s3.ErrCodeNoSuchKey {
			return nil, &os.PathError{Op: "open", Path: toS3Name(ref), Err: os.ErrNotExist}
		}

		return nil, fmt.Errorf("s3 GetObject: %v", err)
	}

	return res.Body, nil
}

func (g *s3chunkstore) RawStore(ctx context.Context, ref reltypes.ChunkRef, content io.Reader) error {
	// since S3 internally requires retry support, it requires a io.ReadSeeker and thus
	// we're forced to buffer
	buf, err := ioutil.ReadAll(content)
	if err != nil {
		return err
	}

	if _, err := g.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: &g.bucket,
		Key:    aws.String(toS3Name(ref)),
		Body:   bytes.NewReader(buf),
	}); err != nil {
		return fmt.Errorf("s3 PutObject: %v", err)
	}

	return nil
}

func (g *s3chunkstore) RawDelete(ctx context.Context, ref reltypes.ChunkRef) error {
	if _, err := g.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: &g.bucket,
		Key:    aws.String(toS3Name(ref)),
	}); err != nil {
		return fmt.Errorf("s3 DeleteObject: %v", err)
	}

	return nil
}

func (g *s3chunkstore) RawExists(ctx context.Context, ref reltypes.ChunkRef) (bool, error) {
	if _, err := g.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: &g.bucket,
		Key:    aws.String(toS3Name(ref)),
	}); err != nil {
		// HeadObject reports a bare 404 code, not ErrCodeNoSuchKey
		if awsErr, ok := err.(awserr.Error); ok && (awsErr.Code() == "NotFound" || awsErr.Code() == s3.ErrCodeNoSuchKey) {
			return false, nil
		}

		return false, fmt.Errorf("s3 HeadObject: %v", err)
	}

	return true, nil
}

func (g *s3chunkstore) RawList(ctx context.Context, fn func(ref reltypes.ChunkRef) error) error {
	var fnErr error

	if err := g.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: &g.bucket,
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			raw, err := base64.RawURLEncoding.DecodeString(*obj.Key)
			if err != nil {
				fnErr = fmt.Errorf("unrecognized object in chunk store: %s", *obj.Key)
				return false
			}

			ref, err := reltypes.ChunkRefFromBytes(raw)
			if err != nil {
				fnErr = fmt.Errorf("unrecognized object in chunk store: %s", *obj.Key)
				return false
			}

			if err := fn(*ref); err != nil {
				fnErr = err
				return false
			}
		}

		return true
	}); err != nil {
		return err
	}

	return fnErr
}

func (g *s3chunkstore) Mountable(ctx context.Context) error {
	_, err := g.client.ListObjectsWithContext(ctx, &s3.ListObjectsInput{
		Bucket:  &g.bucket,
		MaxKeys: aws.Int64(1), // we'll just want to see that the access key works
	})
	return err
}

func toS3Name(ref reltypes.ChunkRef) string {
	return base64.RawURLEncoding.EncodeToString([]byte(ref))
}

var parseOptionsStringRe = regexp.MustCompile("^([^:]+):([^:]+):([^:]+):([^:]+)$")

func parseOptionsString(serialized string) (string, string, string, string, error) {
	match := parseOptionsStringRe.FindStringSubmatch(serialized)
	if match == nil {
		return "", "", "", "", errors.New("s3 options not in format bucket:region:accessKeyId:secret")
	}

	return match[1], match[2], match[3], match[4], nil
}
