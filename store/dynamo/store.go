// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dynamo stores command records, telemetry history, the vehicle
// directory and alert rules in DynamoDB.
//
// Table keys:
//
//	commands   id (S)
//	telemetry  vehicle_id (S), sk (S), expires_at TTL attribute
//	vehicles   vehicle_id (S)
//	rules      org_id (S), id (S)
//	zones      org_id (S), id (S)
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/aerocommand/alerts"
	"github.com/absmach/aerocommand/command"
	"github.com/absmach/aerocommand/config"
	"github.com/absmach/aerocommand/store"
	"github.com/absmach/aerocommand/telemetry"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	_ command.Store       = (*Store)(nil)
	_ telemetry.Store     = (*Store)(nil)
	_ telemetry.Directory = (*Store)(nil)
	_ alerts.RuleSource   = (*Store)(nil)
)

// sortKeyLayout is fixed width so sort keys order lexicographically.
const sortKeyLayout = "2006-01-02T15:04:05.000000000Z"

// API is the subset of *dynamodb.Client the store uses.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// NewClient loads the default AWS credential chain for cfg.Region. A
// non-empty cfg.Endpoint targets DynamoDB Local or another compatible server.
func NewClient(ctx context.Context, cfg config.DynamoDBConfig) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Store implements the durable sinks on DynamoDB.
type Store struct {
	api          API
	cfg          config.DynamoDBConfig
	telemetryTTL time.Duration
	now          func() time.Time
}

// New creates a store over api.
func New(api API, cfg config.DynamoDBConfig) *Store {
	ttl := cfg.TelemetryTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{api: api, cfg: cfg, telemetryTTL: ttl, now: time.Now}
}

type commandItem struct {
	ID             string         `dynamodbav:"id"`
	VehicleID      string         `dynamodbav:"vehicle_id"`
	OrgID          string         `dynamodbav:"org_id"`
	Command        string         `dynamodbav:"command"`
	Status         string         `dynamodbav:"status"`
	Params         map[string]any `dynamodbav:"params,omitempty"`
	Priority       int            `dynamodbav:"priority"`
	TimeoutSeconds int            `dynamodbav:"timeout_seconds"`
	IssuedBy       string         `dynamodbav:"issued_by"`
	IssuedAt       time.Time      `dynamodbav:"issued_at"`
	AcknowledgedAt *time.Time     `dynamodbav:"acknowledged_at,omitempty"`
	CompletedAt    *time.Time     `dynamodbav:"completed_at,omitempty"`
	Result         map[string]any `dynamodbav:"result,omitempty"`
	ErrorMessage   string         `dynamodbav:"error_message,omitempty"`
}

func toCommandItem(rec command.Record) commandItem {
	return commandItem{
		ID:             rec.ID,
		VehicleID:      rec.VehicleID,
		OrgID:          rec.OrgID,
		Command:        string(rec.Command),
		Status:         string(rec.Status),
		Params:         rec.Params,
		Priority:       rec.Priority,
		TimeoutSeconds: rec.TimeoutSeconds,
		IssuedBy:       rec.IssuedBy,
		IssuedAt:       rec.IssuedAt,
		AcknowledgedAt: rec.AcknowledgedAt,
		CompletedAt:    rec.CompletedAt,
		Result:         rec.Result,
		ErrorMessage:   rec.ErrorMessage,
	}
}

func (ci commandItem) record() command.Record {
	return command.Record{
		ID:             ci.ID,
		VehicleID:      ci.VehicleID,
		OrgID:          ci.OrgID,
		Command:        command.Type(ci.Command),
		Status:         command.Status(ci.Status),
		Params:         ci.Params,
		Priority:       ci.Priority,
		TimeoutSeconds: ci.TimeoutSeconds,
		IssuedBy:       ci.IssuedBy,
		IssuedAt:       ci.IssuedAt,
		AcknowledgedAt: ci.AcknowledgedAt,
		CompletedAt:    ci.CompletedAt,
		Result:         ci.Result,
		ErrorMessage:   ci.ErrorMessage,
	}
}

// CreateCommand stores a new record; an existing id is rejected.
func (s *Store) CreateCommand(ctx context.Context, rec command.Record) error {
	item, err := attributevalue.MarshalMap(toCommandItem(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.cfg.CommandsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: command %s", store.ErrAlreadyExists, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to store command in dynamodb: %w", err)
	}
	return nil
}

// UpdateCommandStatus moves a record along a state machine edge. The edge is
// enforced by a condition on the stored status, so concurrent writers cannot
// skip states.
func (s *Store) UpdateCommandStatus(ctx context.Context, id string, status command.Status, at time.Time) error {
	from := command.AllowedFrom(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing moves to %s", store.ErrInvalidTransition, status)
	}

	values := map[string]types.AttributeValue{
		":to": &types.AttributeValueMemberS{Value: string(status)},
		":at": &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
	}
	placeholders := make([]string, len(from))
	for i, f := range from {
		ph := ":f" + strconv.Itoa(i)
		placeholders[i] = ph
		values[ph] = &types.AttributeValueMemberS{Value: string(f)}
	}

	update := "SET #status = :to, updated_at = :at"
	switch {
	case status == command.StatusAcknowledged || status == command.StatusAccepted:
		update += ", acknowledged_at = if_not_exists(acknowledged_at, :at)"
	case status.Terminal():
		update += ", completed_at = :at"
	}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.cfg.CommandsTable),
		Key:                                 map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		UpdateExpression:                    aws.String(update),
		ConditionExpression:                 aws.String("attribute_exists(id) AND #status IN (" + strings.Join(placeholders, ", ") + ")"),
		ExpressionAttributeNames:            map[string]string{"#status": "status"},
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return store.ErrNotFound
		}
		current := ""
		if v, ok := ccf.Item["status"].(*types.AttributeValueMemberS); ok {
			current = v.Value
		}
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, current, status)
	}
	if err != nil {
		return fmt.Errorf("failed to update command status: %w", err)
	}
	return nil
}

// GetCommand reads a record with a strongly consistent read.
func (s *Store) GetCommand(ctx context.Context, id string) (command.Record, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.CommandsTable),
		Key:            map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return command.Record{}, fmt.Errorf("failed to get command: %w", err)
	}
	if len(out.Item) == 0 {
		return command.Record{}, store.ErrNotFound
	}
	var ci commandItem
	if err := attributevalue.UnmarshalMap(out.Item, &ci); err != nil {
		return command.Record{}, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	return ci.record(), nil
}

type telemetryItem struct {
	VehicleID string `dynamodbav:"vehicle_id"`
	SortKey   string `dynamodbav:"sk"`
	Seq       int64  `dynamodbav:"seq"`
	Payload   string `dynamodbav:"payload"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

func sortKey(ts time.Time, seq int64) string {
	return ts.UTC().Format(sortKeyLayout) + "#" + fmt.Sprintf("%019d", seq)
}

// AppendTelemetry writes one frame. Items expire after the telemetry TTL.
func (s *Store) AppendTelemetry(ctx context.Context, f telemetry.Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry data: %w", err)
	}
	item, err := attributevalue.MarshalMap(telemetryItem{
		VehicleID: f.VehicleID,
		SortKey:   sortKey(f.Timestamp, f.Seq),
		Seq:       f.Seq,
		Payload:   string(payload),
		ExpiresAt: s.now().Add(s.telemetryTTL).Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry data: %w", err)
	}

	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.TelemetryTable),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to store telemetry in dynamodb: %w", err)
	}
	return nil
}

// TelemetryHistory returns up to limit frames in [from, to], oldest first.
func (s *Store) TelemetryHistory(ctx context.Context, vehicleID string, from, to time.Time, limit int) ([]telemetry.Frame, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.TelemetryTable),
		KeyConditionExpression: aws.String("vehicle_id = :v AND sk BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v":    &types.AttributeValueMemberS{Value: vehicleID},
			":from": &types.AttributeValueMemberS{Value: from.UTC().Format(sortKeyLayout)},
			":to":   &types.AttributeValueMemberS{Value: to.UTC().Format(sortKeyLayout) + "#~"},
		},
		ScanIndexForward: aws.Bool(true),
	}

	frames := []telemetry.Frame{}
	for {
		if limit > 0 {
			in.Limit = aws.Int32(int32(limit - len(frames)))
		}
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("failed to query telemetry: %w", err)
		}
		var items []telemetryItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal telemetry: %w", err)
		}
		for _, it := range items {
			var f telemetry.Frame
			if err := json.Unmarshal([]byte(it.Payload), &f); err != nil {
				return nil, fmt.Errorf("failed to decode stored frame: %w", err)
			}
			frames = append(frames, f)
		}
		if len(out.LastEvaluatedKey) == 0 || (limit > 0 && len(frames) >= limit) {
			return frames, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

type vehicleItem struct {
	VehicleID string `dynamodbav:"vehicle_id"`
	OrgID     string `dynamodbav:"org_id"`
}

// PutVehicle assigns a vehicle to an org.
func (s *Store) PutVehicle(ctx context.Context, vehicleID, org string) error {
	item, err := attributevalue.MarshalMap(vehicleItem{VehicleID: vehicleID, OrgID: org})
	if err != nil {
		return fmt.Errorf("failed to marshal vehicle: %w", err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.VehiclesTable),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to store vehicle: %w", err)
	}
	return nil
}

// VehicleOrg returns the org owning vehicleID.
func (s *Store) VehicleOrg(ctx context.Context, vehicleID string) (string, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.cfg.VehiclesTable),
		Key:                  map[string]types.AttributeValue{"vehicle_id": &types.AttributeValueMemberS{Value: vehicleID}},
		ProjectionExpression: aws.String("vehicle_id, org_id"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get vehicle: %w", err)
	}
	if len(out.Item) == 0 {
		return "", store.ErrNotFound
	}
	var v vehicleItem
	if err := attributevalue.UnmarshalMap(out.Item, &v); err != nil {
		return "", fmt.Errorf("failed to unmarshal vehicle: %w", err)
	}
	if v.OrgID == "" {
		return "", store.ErrNotFound
	}
	return v.OrgID, nil
}

// definitionItem holds a rule or zone; the body is its JSON encoding.
type definitionItem struct {
	OrgID   string `dynamodbav:"org_id"`
	ID      string `dynamodbav:"id"`
	Enabled bool   `dynamodbav:"enabled"`
	Body    string `dynamodbav:"body"`
}

// PutRule validates and stores a rule.
func (s *Store) PutRule(ctx context.Context, r alerts.Rule) error {
	if err := alerts.ValidateRule(r); err != nil {
		return err
	}
	return s.putDefinition(ctx, s.cfg.RulesTable, r.OrgID, r.ID, r.Enabled, r)
}

// PutZone validates and stores a zone.
func (s *Store) PutZone(ctx context.Context, z alerts.Zone) error {
	if err := alerts.ValidateZone(z); err != nil {
		return err
	}
	return s.putDefinition(ctx, s.cfg.ZonesTable, z.OrgID, z.ID, z.Enabled, z)
}

func (s *Store) putDefinition(ctx context.Context, table, org, id string, enabled bool, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}
	item, err := attributevalue.MarshalMap(definitionItem{OrgID: org, ID: id, Enabled: enabled, Body: string(body)})
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to store %s: %w", id, err)
	}
	return nil
}

// ActiveRules returns the enabled rules of org ordered by id.
func (s *Store) ActiveRules(ctx context.Context, org string) ([]alerts.Rule, error) {
	var rules []alerts.Rule
	err := s.queryDefinitions(ctx, s.cfg.RulesTable, org, func(body []byte) error {
		var r alerts.Rule
		if err := json.Unmarshal(body, &r); err != nil {
			return err
		}
		rules = append(rules, r)
		return nil
	})
	return rules, err
}

// ActiveZones returns the enabled zones of org ordered by id.
func (s *Store) ActiveZones(ctx context.Context, org string) ([]alerts.Zone, error) {
	var zones []alerts.Zone
	err := s.queryDefinitions(ctx, s.cfg.ZonesTable, org, func(body []byte) error {
		var z alerts.Zone
		if err := json.Unmarshal(body, &z); err != nil {
			return err
		}
		zones = append(zones, z)
		return nil
	})
	return zones, err
}

func (s *Store) queryDefinitions(ctx context.Context, table, org string, decode func([]byte) error) error {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String("org_id = :o"),
		FilterExpression:       aws.String("enabled = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":o": &types.AttributeValueMemberS{Value: org},
			":t": &types.AttributeValueMemberBOOL{Value: true},
		},
	}
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return fmt.Errorf("failed to query %s: %w", table, err)
		}
		var items []definitionItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", table, err)
		}
		for _, it := range items {
			if err := decode([]byte(it.Body)); err != nil {
				return fmt.Errorf("failed to decode %s/%s: %w", org, it.ID, err)
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}
