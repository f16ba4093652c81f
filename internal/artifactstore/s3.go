package artifactstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/oho/subflow/internal/sferr"
)

// S3 is the S3-compatible artifact store backend: keys map to
// projects/{pid}/{sanitized_stage}/{sanitized_name} under a single bucket,
// lazily created on first write.
type S3 struct {
	client       *s3.Client
	bucket       string
	bucketReady  bool
}

// NewS3 builds a client from the given endpoint/region/credentials; an empty
// endpoint uses the AWS default resolver (real S3), a non-empty one targets
// an S3-compatible service (MinIO, etc.).
func NewS3(ctx context.Context, bucket, region, endpoint, accessKey, secretKey string) (*S3, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
		if accessKey != "" {
			o.Credentials = staticCredentials(accessKey, secretKey)
		}
	})
	return &S3{client: client, bucket: bucket}, nil
}

func key(projectID, stage, name string) string {
	return "projects/" + sanitize(projectID) + "/" + sanitize(stage) + "/" + sanitize(name)
}

func (s *S3) ensureBucket(ctx context.Context) error {
	if s.bucketReady {
		return nil
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		s.bucketReady = true
		return nil
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var already *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &already) {
			s.bucketReady = true
			return nil
		}
		return err
	}
	s.bucketReady = true
	return nil
}

func (s *S3) Save(projectID, stage, name string, data []byte) (string, error) {
	ctx := context.Background()
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	k := key(projectID, stage, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", err
	}
	return k, nil
}

func (s *S3) Load(projectID, stage, name string) ([]byte, error) {
	ctx := context.Background()
	k := key(projectID, stage, name)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(k)})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, &sferr.ArtifactNotFoundError{ProjectID: projectID, Stage: stage, Name: name}
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3) List(projectID, stage string) ([]string, error) {
	ctx := context.Background()
	prefix := "projects/" + sanitize(projectID) + "/" + sanitize(stage) + "/"
	return s.listPrefix(ctx, prefix)
}

func (s *S3) ListProjectIDs() ([]string, error) {
	ctx := context.Background()
	seen := map[string]bool{}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket), Prefix: aws.String("projects/"), Delimiter: aws.String("/"),
	})
	var ids []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range page.CommonPrefixes {
			id := trimProjectPrefix(aws.ToString(p.Prefix))
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func trimProjectPrefix(prefix string) string {
	prefix = trimPrefixSuffix(prefix, "projects/")
	return trimPrefixSuffix(prefix, "")
}

func trimPrefixSuffix(s, prefix string) string {
	if len(prefix) > 0 && len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		s = s[len(prefix):]
	}
	if len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func (s *S3) listPrefix(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket), Prefix: aws.String(prefix),
	})
	var out []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			out = append(out, aws.ToString(obj.Key))
		}
	}
	return out, nil
}

func (s *S3) DeleteProject(projectID string) (int, error) {
	ctx := context.Background()
	prefix := "projects/" + sanitize(projectID) + "/"
	keys, err := s.listPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := 0; i < len(keys); i += 1000 {
		end := i + 1000
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[i:end]
		objs := make([]s3types.ObjectIdentifier, len(batch))
		for j, k := range batch {
			objs[j] = s3types.ObjectIdentifier{Key: aws.String(k)}
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: objs},
		})
		if err != nil {
			return count, err
		}
		count += len(batch)
	}
	return count, nil
}
