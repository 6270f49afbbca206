package sources

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Caller is the principal the collector runs as.
type Caller struct {
	AccountID string
	ARN       string
	UserID    string
}

// Identity resolves the caller before any source runs. It doubles as the
// permission preflight: a collector that cannot call STS cannot collect.
type Identity interface {
	Resolve(ctx context.Context) (Caller, error)
}

type stsAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// STSIdentity resolves the caller with GetCallerIdentity.
type STSIdentity struct {
	client   stsAPI
	throttle *Throttle
}

func NewSTSIdentity(client stsAPI, throttle *Throttle) *STSIdentity {
	return &STSIdentity{client: client, throttle: throttle}
}

func (s *STSIdentity) Resolve(ctx context.Context) (Caller, error) {
	if err := s.throttle.Wait(ctx); err != nil {
		return Caller{}, err
	}
	out, err := s.client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return Caller{}, fmt.Errorf("get caller identity: %w", err)
	}
	c := Caller{
		AccountID: aws.ToString(out.Account),
		ARN:       aws.ToString(out.Arn),
		UserID:    aws.ToString(out.UserId),
	}
	if c.AccountID == "" {
		return Caller{}, errors.New("get caller identity: empty account")
	}
	return c, nil
}

// StaticIdentity returns a fixed caller. Used for local runs against the
// memory staging backend and in tests.
type StaticIdentity Caller

func (s StaticIdentity) Resolve(context.Context) (Caller, error) {
	return Caller(s), nil
}
