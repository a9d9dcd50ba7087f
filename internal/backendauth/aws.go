// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package backendauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// AWSAuthConfig configures SigV4 signing for an AWS Bedrock backend.
// Exactly one credential source applies: a shared-credentials file, or a
// web-identity token exchanged for a role via STS.
type AWSAuthConfig struct {
	Region             string
	CredentialFileName string

	// RoleARN plus WebIdentityTokenFile selects STS
	// AssumeRoleWithWebIdentity instead of file credentials, for clusters
	// where the pod's projected service-account token federates into AWS.
	RoleARN              string
	WebIdentityTokenFile string
	RoleSessionName      string
}

type awsHandler struct {
	credentials aws.Credentials
	signer      *v4.Signer
	region      string
}

func newAWSHandler(ctx context.Context, cfg *AWSAuthConfig) (Handler, error) {
	if cfg == nil || (cfg.CredentialFileName == "" && cfg.RoleARN == "") {
		return nil, fmt.Errorf("aws auth: a credential file or role ARN is required")
	}
	var creds aws.Credentials
	if cfg.RoleARN != "" {
		var err error
		creds, err = assumeRoleWithWebIdentity(ctx, cfg)
		if err != nil {
			return nil, err
		}
	} else {
		awsCfg, err := config.LoadDefaultConfig(ctx,
			config.WithSharedCredentialsFiles([]string{cfg.CredentialFileName}),
			config.WithRegion(cfg.Region),
		)
		if err != nil {
			return nil, fmt.Errorf("aws auth: load credentials: %w", err)
		}
		creds, err = awsCfg.Credentials.Retrieve(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws auth: retrieve credentials: %w", err)
		}
	}
	return &awsHandler{credentials: creds, signer: v4.NewSigner(), region: cfg.Region}, nil
}

func assumeRoleWithWebIdentity(ctx context.Context, cfg *AWSAuthConfig) (aws.Credentials, error) {
	token, err := os.ReadFile(cfg.WebIdentityTokenFile)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("aws auth: read web identity token: %w", err)
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("aws auth: load config: %w", err)
	}
	sessionName := cfg.RoleSessionName
	if sessionName == "" {
		sessionName = "agentgateway"
	}
	out, err := sts.NewFromConfig(awsCfg).AssumeRoleWithWebIdentity(ctx, &sts.AssumeRoleWithWebIdentityInput{
		RoleArn:          aws.String(cfg.RoleARN),
		RoleSessionName:  aws.String(sessionName),
		WebIdentityToken: aws.String(strings.TrimSpace(string(token))),
	})
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("aws auth: assume role with web identity: %w", err)
	}
	c := out.Credentials
	return aws.Credentials{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		CanExpire:       c.Expiration != nil,
		Expires:         aws.ToTime(c.Expiration),
	}, nil
}

// Do signs req with AWS SigV4 for the "bedrock" service, the way
// internal/extproc/backendauth/aws.go signed the outbound Converse call.
func (a *awsHandler) Do(ctx context.Context, req *Request) error {
	payloadHash := sha256.Sum256(req.Body)
	httpReq, err := http.NewRequest(req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return fmt.Errorf("aws auth: build request: %w", err)
	}
	if err := a.signer.SignHTTP(ctx, a.credentials, httpReq,
		hex.EncodeToString(payloadHash[:]), "bedrock", a.region, time.Now()); err != nil {
		return fmt.Errorf("aws auth: sign request: %w", err)
	}
	for key, values := range httpReq.Header {
		if key == "Authorization" || strings.HasPrefix(key, "X-Amz-") {
			req.Headers[key] = values[0]
		}
	}
	return nil
}
