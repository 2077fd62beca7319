package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"risk-coach/internal/conversation"
	"risk-coach/internal/domain"
)

const (
	skHistory         = "HISTORY"
	defaultHistoryTTL = 24 * time.Hour
	maxAppendAttempts = 3
	conditionNewItem  = "attribute_not_exists(PK)"
	conditionVersion  = "version = :v"
)

// dynamodbAPI is the minimal DynamoDB interface required by HistoryTable.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// HistoryTable keeps each user's conversation history as a single DynamoDB
// item so an exchange is appended and trimmed in one conditional write.
type HistoryTable struct {
	api       dynamodbAPI
	tableName string
	maxTurns  int
	ttl       time.Duration
	now       func() time.Time
}

// historyItem is the decoded form of a user's history item.
type historyItem struct {
	UserID  string
	Turns   []domain.Turn
	Version int
}

// NewHistoryTable creates a HistoryTable. Items expire ttl after the last
// exchange; zero uses one day.
func NewHistoryTable(api dynamodbAPI, tableName string, maxTurns int, ttl time.Duration) (*HistoryTable, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	return &HistoryTable{
		api:       api,
		tableName: tableName,
		maxTurns:  conversation.NormalizeMaxTurns(maxTurns),
		ttl:       ttl,
		now:       time.Now,
	}, nil
}

// userPK returns the DynamoDB partition key for a user's history.
func userPK(userID string) string {
	return "USER#" + userID
}

func (h *HistoryTable) key(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
		"SK": &types.AttributeValueMemberS{Value: skHistory},
	}
}

// GetHistory returns the stored turns for a user, oldest first.
func (h *HistoryTable) GetHistory(ctx context.Context, userID string) ([]domain.Turn, error) {
	item, err := h.load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory: %w", err)
	}
	return item.Turns, nil
}

func (h *HistoryTable) load(ctx context.Context, userID string) (historyItem, error) {
	out, err := h.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(h.tableName),
		Key:            h.key(userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return historyItem{}, fmt.Errorf("get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return historyItem{UserID: userID, Turns: []domain.Turn{}}, nil
	}
	item, err := itemToHistory(out.Item)
	if err != nil {
		return historyItem{}, fmt.Errorf("decode item: %w", err)
	}
	// DynamoDB removes expired items lazily, so an expired item may still be read.
	if ttl, ok := optionalInt(out.Item, "ttl"); ok && ttl > 0 && h.now().Unix() > int64(ttl) {
		return historyItem{UserID: userID, Turns: []domain.Turn{}, Version: item.Version}, nil
	}
	return item, nil
}

// AppendExchange adds the question and answer turns and trims the history in
// one conditional write, retrying when a concurrent writer got there first.
func (h *HistoryTable) AppendExchange(ctx context.Context, userID, question, answer string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("repository: AppendExchange: user id must not be empty")
	}
	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		item, err := h.load(ctx, userID)
		if err != nil {
			return fmt.Errorf("repository: AppendExchange: %w", err)
		}
		next := historyItem{
			UserID:  userID,
			Turns:   conversation.AppendTrimmed(item.Turns, h.maxTurns, conversation.Exchange(question, answer)...),
			Version: item.Version + 1,
		}
		in := &dynamodb.PutItemInput{
			TableName: aws.String(h.tableName),
			Item:      h.historyToItem(next),
		}
		if item.Version == 0 {
			in.ConditionExpression = aws.String(conditionNewItem)
		} else {
			in.ConditionExpression = aws.String(conditionVersion)
			in.ExpressionAttributeValues = map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberN{Value: strconv.Itoa(item.Version)},
			}
		}

		_, err = h.api.PutItem(ctx, in)
		if err == nil {
			return nil
		}
		var conflict *types.ConditionalCheckFailedException
		if !errors.As(err, &conflict) {
			return fmt.Errorf("repository: AppendExchange: put item: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("repository: AppendExchange: concurrent update after %d attempts: %w", maxAppendAttempts, lastErr)
}

// Clear deletes the user's history item. Deleting a missing item succeeds.
func (h *HistoryTable) Clear(ctx context.Context, userID string) error {
	_, err := h.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(h.tableName),
		Key:       h.key(userID),
	})
	if err != nil {
		return fmt.Errorf("repository: Clear: %w", err)
	}
	return nil
}

func (h *HistoryTable) historyToItem(item historyItem) map[string]types.AttributeValue {
	now := h.now().UTC()
	turns := make([]types.AttributeValue, 0, len(item.Turns))
	for _, t := range item.Turns {
		turns = append(turns, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role": &types.AttributeValueMemberS{Value: string(t.Role)},
			"text": &types.AttributeValueMemberS{Value: t.Text},
		}})
	}
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(item.UserID)},
		"SK":        &types.AttributeValueMemberS{Value: skHistory},
		"userId":    &types.AttributeValueMemberS{Value: item.UserID},
		"turns":     &types.AttributeValueMemberL{Value: turns},
		"version":   &types.AttributeValueMemberN{Value: strconv.Itoa(item.Version)},
		"updatedAt": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(h.ttl).Unix(), 10)},
	}
}

// itemToHistory converts a DynamoDB attribute map to a historyItem.
func itemToHistory(item map[string]types.AttributeValue) (historyItem, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return historyItem{}, err
	}
	version, err := intAttr(item, "version")
	if err != nil {
		return historyItem{}, err
	}

	out := historyItem{UserID: userID, Version: version, Turns: []domain.Turn{}}
	raw, ok := item["turns"]
	if !ok {
		return out, nil
	}
	list, ok := raw.(*types.AttributeValueMemberL)
	if !ok {
		return historyItem{}, errors.New("repository: attribute \"turns\" is not a list")
	}
	for i, v := range list.Value {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return historyItem{}, fmt.Errorf("repository: turn %d is not a map", i)
		}
		role, err := strAttr(m.Value, "role")
		if err != nil {
			return historyItem{}, fmt.Errorf("turn %d: %w", i, err)
		}
		text, err := strAttr(m.Value, "text")
		if err != nil {
			return historyItem{}, fmt.Errorf("turn %d: %w", i, err)
		}
		out.Turns = append(out.Turns, domain.Turn{Role: domain.Role(role), Text: text})
	}
	return out, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func optionalInt(item map[string]types.AttributeValue, key string) (int, bool) {
	n, err := intAttr(item, key)
	if err != nil {
		return 0, false
	}
	return n, true
}
