package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-memory/internal/domain"
)

const (
	pkPrefixTenant = "TENANT#"
	skSession      = "SESSION"
	skPrefixConv   = "CONV#"
	skPrefixWindow = "WINDOW#"
	skPrefixMsg    = "MSG#"

	kindSession      = "session"
	kindConversation = "conversation"
	kindMessage      = "message"
	kindWindow       = "window"

	// sortable is a fixed-width UTC layout so lexical order equals time order.
	sortable = "20060102T150405.000000000Z"

	batchWriteSize     = 25
	batchWriteAttempts = 3

	condNotExists = "attribute_not_exists(PK) AND attribute_not_exists(SK)"
	condExists    = "attribute_exists(PK)"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Client is the durable Store backed by a single DynamoDB table. All
// documents of a tenant share the partition key TENANT#<tenantId>.
type Client struct {
	api       dynamodbAPI
	tableName string
}

var _ Store = (*Client)(nil)

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func tenantPK(tenantID string) string {
	return pkPrefixTenant + tenantID
}

func convSK(conversationID string) string {
	return skPrefixConv + conversationID
}

func windowSK(conversationID string) string {
	return skPrefixWindow + conversationID
}

func msgPrefix(conversationID string) string {
	return skPrefixMsg + conversationID + "#"
}

// msgSK orders messages of a conversation by creation time, then id.
func msgSK(conversationID string, ts time.Time, messageID string) string {
	return msgPrefix(conversationID) + ts.UTC().Format(sortable) + "#" + messageID
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// Ping verifies the table exists and the credentials can reach it.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.tableName)})
	return wrap("Ping", err)
}

// ---- sessions ----

func (c *Client) PutSession(ctx context.Context, s domain.Session) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      sessionItem(s),
	})
	return wrap("PutSession", err)
}

func (c *Client) GetSession(ctx context.Context, tenantID string) (domain.Session, error) {
	item, err := c.getItem(ctx, tenantPK(tenantID), skSession)
	if err != nil {
		return domain.Session{}, wrap("GetSession", err)
	}
	s, err := itemToSession(item)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession decode: %w", err)
	}
	return s, nil
}

func (c *Client) DeleteSession(ctx context.Context, tenantID string) error {
	return wrap("DeleteSession", c.deleteItem(ctx, tenantPK(tenantID), skSession))
}

// ---- messages ----

func (c *Client) CreateMessage(ctx context.Context, msg domain.Message) error {
	if msg.TenantID == "" || msg.ConversationID == "" || msg.MessageID == "" {
		return errors.New("repository: CreateMessage: tenant, conversation and message ids are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(msg),
		ConditionExpression: aws.String(condNotExists),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("repository: CreateMessage %s: %w", msg.MessageID, ErrConflict)
	}
	return wrap("CreateMessage", err)
}

// ListMessages reads newest first so Limit favors the most recent context,
// then reverses to chronological order.
func (c *Client) ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: tenantPK(tenantID)},
			":prefix": &types.AttributeValueMemberS{Value: msgPrefix(conversationID)},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	var msgs []domain.Message
	p := dynamodb.NewQueryPaginator(c.api, in)
	for p.HasMorePages() && (limit <= 0 || len(msgs) < limit) {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, wrap("ListMessages query", err)
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
			}
			msgs = append(msgs, msg)
		}
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

func (c *Client) DeleteMessages(ctx context.Context, tenantID, conversationID string) (int, error) {
	keys, err := c.queryKeys(ctx, tenantPK(tenantID), msgPrefix(conversationID))
	if err != nil {
		return 0, wrap("DeleteMessages query", err)
	}
	deleted := 0
	for start := 0; start < len(keys); start += batchWriteSize {
		end := min(start+batchWriteSize, len(keys))
		n, err := c.batchDelete(ctx, keys[start:end])
		deleted += n
		if err != nil {
			return deleted, wrap("DeleteMessages batch", err)
		}
	}
	return deleted, nil
}

// ---- windows ----

func (c *Client) GetWindow(ctx context.Context, tenantID, conversationID string) (domain.Window, error) {
	item, err := c.getItem(ctx, tenantPK(tenantID), windowSK(conversationID))
	if err != nil {
		return domain.Window{}, wrap("GetWindow", err)
	}
	w, err := itemToWindow(item)
	if err != nil {
		return domain.Window{}, fmt.Errorf("repository: GetWindow decode: %w", err)
	}
	return w, nil
}

func (c *Client) PutWindow(ctx context.Context, w domain.Window) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      windowItem(w),
	})
	return wrap("PutWindow", err)
}

func (c *Client) DeleteWindow(ctx context.Context, tenantID, conversationID string) error {
	return wrap("DeleteWindow", c.deleteItem(ctx, tenantPK(tenantID), windowSK(conversationID)))
}

// ---- directory ----

func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                conversationItem(conv),
		ConditionExpression: aws.String(condNotExists),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("repository: CreateConversation %s: %w", conv.ConversationID, ErrConflict)
	}
	return wrap("CreateConversation", err)
}

func (c *Client) GetConversation(ctx context.Context, tenantID, conversationID string) (domain.Conversation, error) {
	item, err := c.getItem(ctx, tenantPK(tenantID), convSK(conversationID))
	if err != nil {
		return domain.Conversation{}, wrap("GetConversation", err)
	}
	conv, err := itemToConversation(item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return conv, nil
}

func (c *Client) UpdateConversation(ctx context.Context, tenantID, conversationID string, patch domain.ConversationPatch) error {
	var set, remove []string
	values := map[string]types.AttributeValue{}
	if patch.Title != nil {
		set = append(set, "title = :title")
		values[":title"] = &types.AttributeValueMemberS{Value: *patch.Title}
	}
	if patch.IsActive != nil {
		set = append(set, "isActive = :active")
		values[":active"] = &types.AttributeValueMemberBOOL{Value: *patch.IsActive}
	}
	if patch.ArchivedAt != nil {
		if patch.ArchivedAt.IsZero() {
			remove = append(remove, "archivedAt")
		} else {
			set = append(set, "archivedAt = :archived")
			values[":archived"] = &types.AttributeValueMemberS{Value: formatTime(*patch.ArchivedAt)}
		}
	}
	if patch.ResetCounter {
		set = append(set, "messageCount = :zero")
		values[":zero"] = &types.AttributeValueMemberN{Value: "0"}
	}
	if len(set) == 0 && len(remove) == 0 {
		return nil
	}

	expr := ""
	if len(set) > 0 {
		expr = "SET " + strings.Join(set, ", ")
	}
	if len(remove) > 0 {
		expr = strings.TrimSpace(expr + " REMOVE " + strings.Join(remove, ", "))
	}
	in := &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(tenantPK(tenantID), convSK(conversationID)),
		UpdateExpression:    aws.String(expr),
		ConditionExpression: aws.String(condExists),
	}
	if len(values) > 0 {
		in.ExpressionAttributeValues = values
	}
	_, err := c.api.UpdateItem(ctx, in)
	if isConditionFailed(err) {
		return fmt.Errorf("repository: UpdateConversation %s: %w", conversationID, ErrNotFound)
	}
	return wrap("UpdateConversation", err)
}

// TouchConversation bumps the counter atomically; lastActivityAt is
// last-writer-wins.
func (c *Client) TouchConversation(ctx context.Context, tenantID, conversationID string, at, expiresAt time.Time) error {
	expr := "ADD messageCount :one SET lastActivityAt = :now"
	values := map[string]types.AttributeValue{
		":one": &types.AttributeValueMemberN{Value: "1"},
		":now": &types.AttributeValueMemberS{Value: formatTime(at)},
	}
	in := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key(tenantPK(tenantID), convSK(conversationID)),
		ConditionExpression:       aws.String(condExists),
		ExpressionAttributeValues: values,
	}
	if !expiresAt.IsZero() {
		// ttl is a reserved word.
		expr += ", #ttl = :ttl"
		values[":ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.Unix(), 10)}
		in.ExpressionAttributeNames = map[string]string{"#ttl": "ttl"}
	}
	in.UpdateExpression = aws.String(expr)
	_, err := c.api.UpdateItem(ctx, in)
	if isConditionFailed(err) {
		return fmt.Errorf("repository: TouchConversation %s: %w", conversationID, ErrNotFound)
	}
	return wrap("TouchConversation", err)
}

func (c *Client) ListConversations(ctx context.Context, tenantID string, limit int) ([]domain.Conversation, error) {
	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("isActive = :active"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: tenantPK(tenantID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixConv},
			":active": &types.AttributeValueMemberBOOL{Value: true},
		},
	})

	convs := []domain.Conversation{}
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, wrap("ListConversations query", err)
		}
		for _, item := range out.Items {
			conv, err := itemToConversation(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListConversations unmarshal: %w", err)
			}
			convs = append(convs, conv)
		}
	}
	return sortAndLimit(convs, limit), nil
}

func (c *Client) DeleteConversation(ctx context.Context, tenantID, conversationID string) error {
	return wrap("DeleteConversation", c.deleteItem(ctx, tenantPK(tenantID), convSK(conversationID)))
}

// FindConversationOwner scans every partition for the directory entry. This
// is the slow path and stops at the first match.
func (c *Client) FindConversationOwner(ctx context.Context, conversationID string) (string, error) {
	p := dynamodb.NewScanPaginator(c.api, &dynamodb.ScanInput{
		TableName:            aws.String(c.tableName),
		FilterExpression:     aws.String("#kind = :kind AND conversationId = :cid"),
		ProjectionExpression: aws.String("tenantId"),
		ExpressionAttributeNames: map[string]string{
			"#kind": "kind",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":kind": &types.AttributeValueMemberS{Value: kindConversation},
			":cid":  &types.AttributeValueMemberS{Value: conversationID},
		},
	})
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return "", wrap("FindConversationOwner scan", err)
		}
		for _, item := range out.Items {
			if tenantID, err := strAttr(item, "tenantId"); err == nil && tenantID != "" {
				return tenantID, nil
			}
		}
	}
	return "", fmt.Errorf("repository: FindConversationOwner %s: %w", conversationID, ErrNotFound)
}

// Stats counts documents by kind. An empty tenantID scans the whole table.
func (c *Client) Stats(ctx context.Context, tenantID string) (domain.Stats, error) {
	st := domain.Stats{TenantID: tenantID, Mode: ModeDurable}
	tenants := map[string]struct{}{}
	names := map[string]string{"#kind": "kind"}
	projection := aws.String("#kind, tenantId, isActive")

	tally := func(items []map[string]types.AttributeValue) {
		for _, item := range items {
			kind, _ := strAttr(item, "kind")
			if t, _ := strAttr(item, "tenantId"); t != "" {
				tenants[t] = struct{}{}
			}
			switch kind {
			case kindSession:
				st.Sessions++
			case kindConversation:
				st.Conversations++
				if active, _ := boolAttr(item, "isActive"); active {
					st.ActiveConversations++
				}
			case kindMessage:
				st.Messages++
			case kindWindow:
				st.Windows++
			}
		}
	}

	if tenantID != "" {
		p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
			TableName:                aws.String(c.tableName),
			KeyConditionExpression:   aws.String("PK = :pk"),
			ProjectionExpression:     projection,
			ExpressionAttributeNames: names,
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: tenantPK(tenantID)},
			},
		})
		for p.HasMorePages() {
			out, err := p.NextPage(ctx)
			if err != nil {
				return domain.Stats{}, wrap("Stats query", err)
			}
			tally(out.Items)
		}
	} else {
		p := dynamodb.NewScanPaginator(c.api, &dynamodb.ScanInput{
			TableName:                aws.String(c.tableName),
			ProjectionExpression:     projection,
			ExpressionAttributeNames: names,
		})
		for p.HasMorePages() {
			out, err := p.NextPage(ctx)
			if err != nil {
				return domain.Stats{}, wrap("Stats scan", err)
			}
			tally(out.Items)
		}
	}
	st.Tenants = len(tenants)
	return st, nil
}

// ---- low-level helpers ----

func (c *Client) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return out.Item, nil
}

func (c *Client) deleteItem(ctx context.Context, pk, sk string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(pk, sk),
	})
	return err
}

func (c *Client) queryKeys(ctx context.Context, pk, skPrefix string) ([]map[string]types.AttributeValue, error) {
	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ProjectionExpression:   aws.String("PK, SK"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: skPrefix},
		},
	})
	var keys []map[string]types.AttributeValue
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		keys = append(keys, out.Items...)
	}
	return keys, nil
}

// batchDelete removes up to batchWriteSize keys, resubmitting unprocessed
// items a bounded number of times.
func (c *Client) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) (int, error) {
	reqs := make([]types.WriteRequest, 0, len(keys))
	for _, k := range keys {
		reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
	}
	total := len(reqs)
	for attempt := 0; attempt < batchWriteAttempts && len(reqs) > 0; attempt++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{c.tableName: reqs},
		})
		if err != nil {
			return total - len(reqs), err
		}
		if out == nil {
			reqs = nil
			break
		}
		reqs = out.UnprocessedItems[c.tableName]
	}
	if len(reqs) > 0 {
		return total - len(reqs), fmt.Errorf("%d items left unprocessed: %w", len(reqs), ErrTransient)
	}
	return total, nil
}

func sortAndLimit(convs []domain.Conversation, limit int) []domain.Conversation {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastActivityAt.After(convs[j].LastActivityAt)
	})
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	return convs
}
