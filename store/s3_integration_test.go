//go:build s3
// +build s3

package store

// tests the S3 store with an external service. Can use amazon s3, or can run
// a local service with the same API (e.g. Minio).
//
// To run from the command line
//
//    env "AWS_ACCESS_KEY_ID=XXXXX" "AWS_SECRET_ACCESS_KEY=YYYY" go test -tags=s3 -run S3

import (
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
)

func getSession() *session.Session {
	s3Config := &aws.Config{
		Endpoint:         aws.String("http://localhost:9000"),
		Region:           aws.String("us-east-1"),
		DisableSSL:       aws.Bool(true),
		S3ForcePathStyle: aws.Bool(true),
	}
	return session.Must(session.NewSession(s3Config))
}

func TestS3Sequence(t *testing.T) {
	prefix := fmt.Sprintf("test-%d/", time.Now().UnixNano())
	runStoreSequence(t, NewS3("dorepo", prefix, getSession()))
}
