package tools

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/haasonsaas/agentloop/internal/agent"
)

const (
	defaultPresignExpiry = 15 * time.Minute
	maxPresignExpiry     = 12 * time.Hour
)

// S3Config configures the presign tool. Objects live under
// {Prefix}/{project_id}/ so a request can only reach its own project.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool

	// Expiry is the default URL lifetime.
	Expiry time.Duration
}

type s3PresignArgs struct {
	Key            string `json:"key" jsonschema:"description=Object key relative to the project folder"`
	ExpiresMinutes int    `json:"expires_minutes,omitempty" jsonschema:"minimum=1,maximum=720"`
}

// S3Presign returns a tool that creates presigned download URLs. Signing is
// local; no request reaches S3 until the URL is used.
func S3Presign(ctx context.Context, cfg S3Config) (*agent.Tool, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 presign tool: bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}

	loadOptions := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	presigner := s3.NewPresignClient(client)
	prefix := strings.Trim(cfg.Prefix, "/")

	tool := agent.NewTool("s3_presign", "Creates a temporary download link for a file in the project's storage folder.",
		func(ctx context.Context, in s3PresignArgs, vars agent.Vars) (*agent.ToolOutput, error) {
			key, err := projectKey(prefix, vars.String(agent.VarProjectID), in.Key)
			if err != nil {
				return &agent.ToolOutput{Content: err.Error(), IsError: true}, nil
			}
			ttl := expiry
			if in.ExpiresMinutes > 0 {
				ttl = time.Duration(in.ExpiresMinutes) * time.Minute
			}
			if ttl > maxPresignExpiry {
				ttl = maxPresignExpiry
			}

			req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			}, s3.WithPresignExpires(ttl))
			if err != nil {
				return nil, fmt.Errorf("presign get object: %w", err)
			}
			return jsonOutput(map[string]any{
				"url":        req.URL,
				"key":        key,
				"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
			})
		})
	tool.Requires = []string{agent.VarProjectID}
	return tool, nil
}

// projectKey confines key to the project's folder.
func projectKey(prefix, projectID, key string) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("thread has no project")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("key %q leaves the project folder", key)
		}
	}
	return strings.TrimPrefix(path.Join(prefix, projectID, path.Clean("/"+key)), "/"), nil
}
