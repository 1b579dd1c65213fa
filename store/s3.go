package store

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	raven "github.com/getsentry/raven-go"
)

// A S3 store keeps its values as objects in an AWS S3 bucket.
// Do not change Bucket or Prefix concurrently with calls using the structure.
type S3 struct {
	svc      *s3.S3
	uploader *s3manager.Uploader
	Bucket   string
	Prefix   string
}

var _ Store = &S3{}

// NewS3 creates a new S3 store. It will use the given bucket and will prepend
// prefix to all keys. This is to allow for a bucket to be used for more than
// one store. For example if prefix were "content/" then an Open("hello")
// would look for the key "content/hello" in the bucket. The authorization
// method and credentials in the session are used for all accesses.
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	svc := s3.New(awsSession)
	return &S3{
		svc:      svc,
		uploader: s3manager.NewUploaderWithClient(svc),
		Bucket:   bucket,
		Prefix:   prefix,
	}
}

// ListPrefix returns the keys in this store that have the given prefix.
// The argument prefix is added to the store's Prefix.
func (s *S3) ListPrefix(prefix string) ([]string, error) {
	var result []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix + prefix),
	}
	err := s.svc.ListObjectsV2Pages(input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				result = append(result, strings.TrimPrefix(*item.Key, s.Prefix))
			}
			return !lastpage
		})
	if err != nil {
		s.report("ListPrefix", prefix, err)
	}
	return result, err
}

// Open streams the object for key. The whole object is requested at once;
// the body is read as the caller reads.
func (s *S3) Open(key string) (io.ReadCloser, int64, error) {
	output, err := s.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotExist, key)
		}
		s.report("Open", key, err)
		return nil, 0, err
	}
	return output.Body, aws.Int64Value(output.ContentLength), nil
}

// Stat issues a HEAD request for key.
func (s *S3) Stat(key string) (Info, error) {
	info, err := s.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		if isNotFound(err) {
			return Info{}, fmt.Errorf("%w: %s", ErrNotExist, key)
		}
		s.report("Stat", key, err)
		return Info{}, err
	}
	return Info{
		Size:     aws.Int64Value(info.ContentLength),
		Modified: aws.TimeValue(info.LastModified),
	}, nil
}

// Create returns a writer which uploads to key. Content is streamed to the
// s3manager uploader through a pipe, which switches to a multipart upload
// for large values. The object appears in the bucket only once Close
// returns without error.
func (s *S3) Create(key string) (io.WriteCloser, error) {
	if _, err := s.Stat(key); err == nil {
		return nil, ErrKeyExists
	}
	return s.upload(key), nil
}

// Replace returns a writer which overwrites key on Close.
func (s *S3) Replace(key string) (io.WriteCloser, error) {
	return s.upload(key), nil
}

func (s *S3) upload(key string) io.WriteCloser {
	pr, pw := io.Pipe()
	wc := &s3WriteCloser{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := s.uploader.Upload(&s3manager.UploadInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.Prefix + key),
			Body:   pr,
		})
		if err != nil && !errors.Is(err, errAborted) {
			s.report("Upload", key, err)
		}
		// unblock any writer still waiting on the pipe
		pr.CloseWithError(err)
		wc.done <- err
	}()
	return wc
}

// Delete will remove the given key from the store. The store's Prefix is
// prepended first. It is not an error to delete something that doesn't exist.
func (s *S3) Delete(key string) error {
	_, err := s.svc.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		s.report("Delete", key, err)
	}
	return err
}

func (s *S3) report(op, key string, err error) {
	log.Println("S3", op+":", s.Prefix, key, err)
	raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix, "Key": key})
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

var errAborted = errors.New("upload aborted")

// s3WriteCloser feeds a background upload.
type s3WriteCloser struct {
	pw     *io.PipeWriter
	done   chan error
	closed bool
}

func (wc *s3WriteCloser) Write(p []byte) (int, error) {
	return wc.pw.Write(p)
}

// Close finishes the upload and waits for S3 to acknowledge it.
func (wc *s3WriteCloser) Close() error {
	if wc.closed {
		return nil
	}
	wc.closed = true
	wc.pw.Close()
	return <-wc.done
}

// Abort cancels the upload. The uploader abandons any multipart upload it
// started.
func (wc *s3WriteCloser) Abort() error {
	if wc.closed {
		return nil
	}
	wc.closed = true
	wc.pw.CloseWithError(errAborted)
	<-wc.done
	return nil
}
