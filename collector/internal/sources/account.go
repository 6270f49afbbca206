package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/account"
	accounttypes "github.com/aws/aws-sdk-go-v2/service/account/types"
	"github.com/aws/aws-sdk-go-v2/service/organizations"

	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/window"
)

type organizationsAPI interface {
	DescribeAccount(ctx context.Context, in *organizations.DescribeAccountInput, optFns ...func(*organizations.Options)) (*organizations.DescribeAccountOutput, error)
}

type accountAPI interface {
	GetContactInformation(ctx context.Context, in *account.GetContactInformationInput, optFns ...func(*account.Options)) (*account.GetContactInformationOutput, error)
	GetAlternateContact(ctx context.Context, in *account.GetAlternateContactInput, optFns ...func(*account.Options)) (*account.GetAlternateContactOutput, error)
}

var alternateContactTypes = []accounttypes.AlternateContactType{
	accounttypes.AlternateContactTypeBilling,
	accounttypes.AlternateContactTypeOperations,
	accounttypes.AlternateContactTypeSecurity,
}

// AccountSource reads the account record, its primary contact and its
// alternate contacts. Organizations and Account API failures degrade to
// identity-only fields; an account outside an organization is normal.
type AccountSource struct {
	orgs     organizationsAPI
	account  accountAPI
	throttle *Throttle
	logger   *slog.Logger
}

func NewAccountSource(orgs organizationsAPI, acct accountAPI, throttle *Throttle, logger *slog.Logger) *AccountSource {
	return &AccountSource{orgs: orgs, account: acct, throttle: throttle, logger: sourceLogger(logger, document.Account)}
}

func (s *AccountSource) Domain() document.Domain { return document.Account }

func (s *AccountSource) Collect(ctx context.Context, scope Scope, _ window.Window) (any, error) {
	if scope.AccountID == "" {
		return nil, errors.New("account id is required")
	}
	result := map[string]any{
		"account_id":         scope.AccountID,
		"account_name":       scope.AccountID,
		"account_email":      nil,
		"account_status":     "ACTIVE",
		"account_arn":        nil,
		"joined_method":      nil,
		"joined_timestamp":   nil,
		"contact_info":       map[string]any{},
		"alternate_contacts": map[string]any{},
	}
	for col, v := range map[string]string{
		"partner_name":  scope.Taxonomy.Partner,
		"customer_name": scope.Taxonomy.Customer,
		"category":      scope.Taxonomy.Category,
		"environment":   scope.Taxonomy.Environment,
		"product":       scope.Taxonomy.Product,
	} {
		if v != "" {
			result[col] = v
		}
	}

	if err := s.describe(ctx, scope.AccountID, result); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "organizations account details unavailable", logging.Error(err))
	}

	contact, err := s.contactInfo(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		s.logger.WarnContext(ctx, "failed to read contact information", logging.Error(err))
	} else {
		result["contact_info"] = contact
	}

	alternates, err := s.alternateContacts(ctx)
	if err != nil {
		return nil, err
	}
	result["alternate_contacts"] = alternates
	return result, nil
}

func (s *AccountSource) describe(ctx context.Context, accountID string, result map[string]any) error {
	if err := s.throttle.Wait(ctx); err != nil {
		return err
	}
	out, err := s.orgs.DescribeAccount(ctx, &organizations.DescribeAccountInput{AccountId: aws.String(accountID)})
	if err != nil {
		return fmt.Errorf("describe account: %w", err)
	}
	a := out.Account
	if a == nil {
		return nil
	}
	if a.Name != nil {
		result["account_name"] = aws.ToString(a.Name)
	}
	if a.Status != "" {
		result["account_status"] = string(a.Status)
	}
	result["account_email"] = a.Email
	result["account_arn"] = a.Arn
	if a.JoinedMethod != "" {
		result["joined_method"] = string(a.JoinedMethod)
	}
	result["joined_timestamp"] = a.JoinedTimestamp
	return nil
}

func (s *AccountSource) contactInfo(ctx context.Context) (map[string]any, error) {
	if err := s.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := s.account.GetContactInformation(ctx, &account.GetContactInformationInput{})
	if err != nil {
		return nil, fmt.Errorf("get contact information: %w", err)
	}
	c := out.ContactInformation
	if c == nil {
		return map[string]any{}, nil
	}
	return map[string]any{
		"address_line1":   c.AddressLine1,
		"address_line2":   c.AddressLine2,
		"address_line3":   c.AddressLine3,
		"city":            c.City,
		"country_code":    c.CountryCode,
		"postal_code":     c.PostalCode,
		"state_or_region": c.StateOrRegion,
		"company_name":    c.CompanyName,
		"phone_number":    c.PhoneNumber,
		"website_url":     c.WebsiteUrl,
		"full_name":       c.FullName,
	}, nil
}

// alternateContacts returns type -> contact, with nil for a type that is
// not set. Errors other than not-found are logged and leave the type out.
func (s *AccountSource) alternateContacts(ctx context.Context) (map[string]any, error) {
	contacts := make(map[string]any, len(alternateContactTypes))
	for _, t := range alternateContactTypes {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		name := strings.ToLower(string(t))
		out, err := s.account.GetAlternateContact(ctx, &account.GetAlternateContactInput{AlternateContactType: t})
		if err != nil {
			var notFound *accounttypes.ResourceNotFoundException
			if errors.As(err, &notFound) {
				contacts[name] = nil
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.WarnContext(ctx, "failed to read alternate contact", slog.String("type", name), logging.Error(err))
			continue
		}
		c := out.AlternateContact
		if c == nil {
			contacts[name] = nil
			continue
		}
		contacts[name] = map[string]any{
			"name":  c.Name,
			"title": c.Title,
			"email": c.EmailAddress,
			"phone": c.PhoneNumber,
		}
	}
	return contacts, nil
}
