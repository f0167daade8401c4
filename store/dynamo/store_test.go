// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/absmach/aerocommand/alerts"
	"github.com/absmach/aerocommand/command"
	"github.com/absmach/aerocommand/config"
	"github.com/absmach/aerocommand/store"
	"github.com/absmach/aerocommand/telemetry"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type item = map[string]types.AttributeValue

// fakeAPI keeps Put/Get items per table keyed by the first key attribute and
// serves Query from canned pages.
type fakeAPI struct {
	tables  map[string]map[string]item
	puts    []*dynamodb.PutItemInput
	updates []*dynamodb.UpdateItemInput
	queries []*dynamodb.QueryInput
	pages   []*dynamodb.QueryOutput

	putErr    error
	updateErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{tables: make(map[string]map[string]item)}
}

func keyOf(it item) string {
	for _, attr := range []string{"id", "vehicle_id"} {
		if v, ok := it[attr].(*types.AttributeValueMemberS); ok {
			return v.Value
		}
	}
	return ""
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	if f.putErr != nil {
		return nil, f.putErr
	}
	table := aws.ToString(in.TableName)
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]item)
	}
	k := keyOf(in.Item)
	if aws.ToString(in.ConditionExpression) == "attribute_not_exists(id)" {
		if _, ok := f.tables[table][k]; ok {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	}
	f.tables[table][k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.tables[aws.ToString(in.TableName)][keyOf(in.Key)]}, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	cp := *in
	f.queries = append(f.queries, &cp)
	if len(f.pages) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.pages[0]
	f.pages = f.pages[1:]
	return out, nil
}

func newTestStore(api API) *Store {
	s := New(api, config.Default().Storage.DynamoDB)
	s.now = func() time.Time { return t0 }
	return s
}

func str(it item, attr string) string {
	if v, ok := it[attr].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func TestCreateAndGetCommand(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(api)
	ctx := context.Background()

	rec := command.Record{
		ID:             "c1",
		VehicleID:      "v1",
		OrgID:          "o1",
		Command:        command.Takeoff,
		Status:         command.StatusPending,
		Params:         map[string]any{"altitude": 20.0},
		Priority:       5,
		TimeoutSeconds: 30,
		IssuedBy:       "u1",
		IssuedAt:       t0,
	}
	require.NoError(t, s.CreateCommand(ctx, rec))
	assert.Equal(t, "aerocommand-commands", aws.ToString(api.puts[0].TableName))
	assert.Equal(t, "attribute_not_exists(id)", aws.ToString(api.puts[0].ConditionExpression))

	assert.ErrorIs(t, s.CreateCommand(ctx, rec), store.ErrAlreadyExists)

	got, err := s.GetCommand(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, command.Takeoff, got.Command)
	assert.Equal(t, command.StatusPending, got.Status)
	assert.Equal(t, 20.0, got.Params["altitude"])
	assert.True(t, t0.Equal(got.IssuedAt))
	assert.Nil(t, got.AcknowledgedAt)

	_, err = s.GetCommand(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateCommandFailure(t *testing.T) {
	api := newFakeAPI()
	api.putErr = errors.New("throttled")
	err := newTestStore(api).CreateCommand(context.Background(), command.Record{ID: "c1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrAlreadyExists)
}

func TestUpdateCommandStatusCondition(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(api)

	require.NoError(t, s.UpdateCommandStatus(context.Background(), "c1", command.StatusAccepted, t0))
	require.Len(t, api.updates, 1)
	in := api.updates[0]

	assert.Equal(t, "c1", str(in.Key, "id"))
	assert.Equal(t, "attribute_exists(id) AND #status IN (:f0, :f1)", aws.ToString(in.ConditionExpression))
	assert.Equal(t, "sent", str(in.ExpressionAttributeValues, ":f0"))
	assert.Equal(t, "acknowledged", str(in.ExpressionAttributeValues, ":f1"))
	assert.Equal(t, "accepted", str(in.ExpressionAttributeValues, ":to"))
	assert.Contains(t, aws.ToString(in.UpdateExpression), "acknowledged_at = if_not_exists(acknowledged_at, :at)")
	assert.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, in.ReturnValuesOnConditionCheckFailure)

	require.NoError(t, s.UpdateCommandStatus(context.Background(), "c1", command.StatusCompleted, t0))
	assert.Contains(t, aws.ToString(api.updates[1].UpdateExpression), "completed_at = :at")
}

func TestUpdateCommandStatusRejections(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(api)
	ctx := context.Background()

	err := s.UpdateCommandStatus(ctx, "c1", command.StatusPending, t0)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.Empty(t, api.updates, "no edge leads to pending")

	api.updateErr = &types.ConditionalCheckFailedException{}
	assert.ErrorIs(t, s.UpdateCommandStatus(ctx, "c1", command.StatusSent, t0), store.ErrNotFound)

	api.updateErr = &types.ConditionalCheckFailedException{
		Item: item{"id": &types.AttributeValueMemberS{Value: "c1"}, "status": &types.AttributeValueMemberS{Value: "completed"}},
	}
	err = s.UpdateCommandStatus(ctx, "c1", command.StatusFailed, t0)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.ErrorIs(t, err, command.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "completed -> failed")
}

func TestAppendTelemetry(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(api)

	f := telemetry.Frame{VehicleID: "v1", Seq: 42, Timestamp: t0.Add(1500 * time.Millisecond)}
	require.NoError(t, s.AppendTelemetry(context.Background(), f))
	require.Len(t, api.puts, 1)
	in := api.puts[0]
	assert.Equal(t, "aerocommand-telemetry", aws.ToString(in.TableName))

	var it telemetryItem
	require.NoError(t, attributevalue.UnmarshalMap(in.Item, &it))
	assert.Equal(t, "v1", it.VehicleID)
	assert.Equal(t, "2026-03-01T10:00:01.500000000Z#0000000000000000042", it.SortKey)
	assert.Equal(t, t0.Add(7*24*time.Hour).Unix(), it.ExpiresAt)

	var back telemetry.Frame
	require.NoError(t, json.Unmarshal([]byte(it.Payload), &back))
	assert.Equal(t, int64(42), back.Seq)
}

func TestSortKeysOrder(t *testing.T) {
	keys := []string{
		sortKey(t0, 9),
		sortKey(t0, 10),
		sortKey(t0.Add(time.Nanosecond), 0),
		sortKey(t0.Add(time.Second), 0),
		sortKey(t0.Add(10*time.Second), 0),
	}
	assert.IsIncreasing(t, keys)
}

func framePage(t *testing.T, last bool, seqs ...int64) *dynamodb.QueryOutput {
	t.Helper()
	out := &dynamodb.QueryOutput{}
	for _, seq := range seqs {
		payload, err := json.Marshal(telemetry.Frame{VehicleID: "v1", Seq: seq})
		require.NoError(t, err)
		it, err := attributevalue.MarshalMap(telemetryItem{VehicleID: "v1", SortKey: sortKey(t0, seq), Seq: seq, Payload: string(payload)})
		require.NoError(t, err)
		out.Items = append(out.Items, it)
	}
	if !last {
		out.LastEvaluatedKey = item{"vehicle_id": &types.AttributeValueMemberS{Value: "v1"}}
	}
	return out
}

func TestTelemetryHistoryPages(t *testing.T) {
	api := newFakeAPI()
	api.pages = []*dynamodb.QueryOutput{framePage(t, false, 1, 2), framePage(t, true, 3)}
	s := newTestStore(api)

	frames, err := s.TelemetryHistory(context.Background(), "v1", t0, t0.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, int64(3), frames[2].Seq)

	require.Len(t, api.queries, 2)
	q := api.queries[0]
	assert.Equal(t, "vehicle_id = :v AND sk BETWEEN :from AND :to", aws.ToString(q.KeyConditionExpression))
	assert.Equal(t, "2026-03-01T10:00:00.000000000Z", str(q.ExpressionAttributeValues, ":from"))
	assert.True(t, strings.HasPrefix(str(q.ExpressionAttributeValues, ":to"), "2026-03-01T11:00:00.000000000Z"))
	assert.True(t, aws.ToBool(q.ScanIndexForward))
	assert.Nil(t, q.Limit)
	assert.Nil(t, q.ExclusiveStartKey)
	assert.NotNil(t, api.queries[1].ExclusiveStartKey)
}

func TestTelemetryHistoryLimit(t *testing.T) {
	api := newFakeAPI()
	api.pages = []*dynamodb.QueryOutput{framePage(t, false, 1, 2), framePage(t, false, 3)}
	s := newTestStore(api)

	frames, err := s.TelemetryHistory(context.Background(), "v1", t0, t0.Add(time.Hour), 3)
	require.NoError(t, err)
	assert.Len(t, frames, 3)
	require.Len(t, api.queries, 2)
	assert.Equal(t, int32(3), aws.ToInt32(api.queries[0].Limit))
	assert.Equal(t, int32(1), aws.ToInt32(api.queries[1].Limit))
}

func TestVehicleDirectory(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(api)
	ctx := context.Background()

	_, err := s.VehicleOrg(ctx, "v1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.PutVehicle(ctx, "v1", "o1"))
	org, err := s.VehicleOrg(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "o1", org)
}

func definitionPage(t *testing.T, defs ...any) *dynamodb.QueryOutput {
	t.Helper()
	out := &dynamodb.QueryOutput{}
	for _, d := range defs {
		body, err := json.Marshal(d)
		require.NoError(t, err)
		it, err := attributevalue.MarshalMap(definitionItem{OrgID: "o1", ID: "x", Enabled: true, Body: string(body)})
		require.NoError(t, err)
		out.Items = append(out.Items, it)
	}
	return out
}

func TestRules(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(api)
	ctx := context.Background()

	r := alerts.Rule{
		ID:        "r1",
		OrgID:     "o1",
		Enabled:   true,
		Category:  alerts.CategoryBattery,
		Severity:  alerts.SeverityWarning,
		Condition: alerts.Condition{Field: "battery.remaining", Operator: alerts.OpLt, Value: 20},
	}
	require.NoError(t, s.PutRule(ctx, r))
	require.Len(t, api.puts, 1)
	assert.Equal(t, "aerocommand-alert-rules", aws.ToString(api.puts[0].TableName))
	assert.Equal(t, "o1", str(api.puts[0].Item, "org_id"))

	bad := r
	bad.Condition.Field = "battery.cells"
	assert.ErrorIs(t, s.PutRule(ctx, bad), alerts.ErrUnknownField)
	assert.Len(t, api.puts, 1)

	api.pages = []*dynamodb.QueryOutput{definitionPage(t, r)}
	rules, err := s.ActiveRules(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0].ID)
	// Thresholds come back as JSON numbers.
	assert.Equal(t, 20.0, rules[0].Condition.Value)

	q := api.queries[0]
	assert.Equal(t, "org_id = :o", aws.ToString(q.KeyConditionExpression))
	assert.Equal(t, "enabled = :t", aws.ToString(q.FilterExpression))
}

func TestZones(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(api)
	ctx := context.Background()

	radius := 100.0
	z := alerts.Zone{ID: "z1", OrgID: "o1", Type: alerts.ZoneCircle, Coordinates: [][]float64{{1, 2}}, Radius: &radius, Action: "rtl", Enabled: true}
	require.NoError(t, s.PutZone(ctx, z))
	assert.Equal(t, "aerocommand-geofences", aws.ToString(api.puts[0].TableName))

	invalid := z
	invalid.Action = "explode"
	assert.ErrorIs(t, s.PutZone(ctx, invalid), alerts.ErrInvalidZone)

	api.pages = []*dynamodb.QueryOutput{definitionPage(t, z)}
	zones, err := s.ActiveZones(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, z, zones[0])
}
