package sources

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/window"
)

type ssmAPI interface {
	DescribeInstanceInformation(ctx context.Context, in *ssm.DescribeInstanceInformationInput, optFns ...func(*ssm.Options)) (*ssm.DescribeInstanceInformationOutput, error)
	ListInventoryEntries(ctx context.Context, in *ssm.ListInventoryEntriesInput, optFns ...func(*ssm.Options)) (*ssm.ListInventoryEntriesOutput, error)
	DescribeInstancePatches(ctx context.Context, in *ssm.DescribeInstancePatchesInput, optFns ...func(*ssm.Options)) (*ssm.DescribeInstancePatchesOutput, error)
}

const applicationInventory = "AWS:Application"

// InventorySource lists managed instances with their installed
// applications and patches. Failing to read an instance's applications or
// patches only drops those children.
type InventorySource struct {
	client   ssmAPI
	throttle *Throttle
	logger   *slog.Logger
}

func NewInventorySource(client ssmAPI, throttle *Throttle, logger *slog.Logger) *InventorySource {
	return &InventorySource{client: client, throttle: throttle, logger: sourceLogger(logger, document.Inventory)}
}

func (s *InventorySource) Domain() document.Domain { return document.Inventory }

func (s *InventorySource) Collect(ctx context.Context, _ Scope, _ window.Window) (any, error) {
	instances := []map[string]any{}
	applications := []map[string]any{}
	patches := []map[string]any{}

	p := ssm.NewDescribeInstanceInformationPaginator(s.client, &ssm.DescribeInstanceInformationInput{})
	for p.HasMorePages() {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instance information: %w", err)
		}
		for _, inst := range page.InstanceInformationList {
			id := aws.ToString(inst.InstanceId)
			if id == "" {
				continue
			}
			instances = append(instances, map[string]any{
				"instance_id":         id,
				"instance_type":       string(inst.ResourceType),
				"platform":            inst.PlatformName,
				"platform_type":       string(inst.PlatformType),
				"platform_version":    inst.PlatformVersion,
				"ip_address":          inst.IPAddress,
				"computer_name":       inst.ComputerName,
				"ping_status":         string(inst.PingStatus),
				"last_ping_date_time": inst.LastPingDateTime,
				"agent_version":       inst.AgentVersion,
			})

			apps, err := s.applications(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logger.WarnContext(ctx, "applications unavailable", slog.String("instance_id", id), logging.Error(err))
			}
			applications = append(applications, apps...)

			ps, err := s.patches(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logger.WarnContext(ctx, "patches unavailable", slog.String("instance_id", id), logging.Error(err))
			}
			patches = append(patches, ps...)
		}
	}

	return map[string]any{
		"instances":    instances,
		"applications": applications,
		"patches":      patches,
	}, nil
}

func (s *InventorySource) applications(ctx context.Context, instanceID string) ([]map[string]any, error) {
	var (
		out   []map[string]any
		token *string
	)
	for {
		if err := s.throttle.Wait(ctx); err != nil {
			return out, err
		}
		page, err := s.client.ListInventoryEntries(ctx, &ssm.ListInventoryEntriesInput{
			InstanceId: aws.String(instanceID),
			TypeName:   aws.String(applicationInventory),
			NextToken:  token,
		})
		if err != nil {
			return out, fmt.Errorf("list inventory entries: %w", err)
		}
		for _, e := range page.Entries {
			out = append(out, map[string]any{
				"instance_id":  instanceID,
				"name":         blankNil(e["Name"]),
				"version":      blankNil(e["Version"]),
				"publisher":    blankNil(e["Publisher"]),
				"install_time": installTime(e["InstalledTime"]),
			})
		}
		if aws.ToString(page.NextToken) == "" {
			return out, nil
		}
		token = page.NextToken
	}
}

func (s *InventorySource) patches(ctx context.Context, instanceID string) ([]map[string]any, error) {
	var out []map[string]any
	p := ssm.NewDescribeInstancePatchesPaginator(s.client, &ssm.DescribeInstancePatchesInput{InstanceId: aws.String(instanceID)})
	for p.HasMorePages() {
		if err := s.throttle.Wait(ctx); err != nil {
			return out, err
		}
		page, err := p.NextPage(ctx)
		if err != nil {
			return out, fmt.Errorf("describe instance patches: %w", err)
		}
		for _, patch := range page.Patches {
			out = append(out, map[string]any{
				"instance_id":    instanceID,
				"title":          patch.Title,
				"kb_id":          patch.KBId,
				"classification": patch.Classification,
				"severity":       patch.Severity,
				"state":          string(patch.State),
				"installed_time": patch.InstalledTime,
			})
		}
	}
	return out, nil
}

// blankNil maps an absent inventory attribute to null.
func blankNil(v string) any {
	if v == "" {
		return nil
	}
	return v
}

var installTimeLayouts = []string{time.RFC3339, "2006-01-02", "1/2/2006", "20060102"}

// installTime normalizes the free-form install date reported by the
// inventory agent. Values in an unknown layout become null.
func installTime(v string) any {
	for _, layout := range installTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return nil
}
