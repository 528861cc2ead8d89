package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/BTreeMap/FormPipe/internal/models"
)

const (
	skMeta          = "META"
	skSubmission    = "SUBMISSION"
	skPrefixMsg     = "MSG#"
	skPrefixAnswer  = "ANSWER#"
	skPrefixSubmit  = "SUBMISSION#"
	entityForm      = "form"
	dynamoTimestamp = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps forms, sessions and submissions in one DynamoDB table keyed by PK/SK.
//
//	FORM#<id>     META                    form body
//	FORM#<id>     SUBMISSION#<ts>#<id>    submission listing copy
//	SLUG#<slug>   META                    slug -> form id
//	SESSION#<id>  META                    session row with msg_count
//	SESSION#<id>  MSG#<seq>               transcript message
//	SESSION#<id>  ANSWER#<field>          answer
//	SESSION#<id>  SUBMISSION              submission
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
}

type seqMessage struct {
	sk  string
	msg models.Message
}

// NewDynamoStore creates a store on an existing DynamoDB client.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: dynamodb table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

// NewDynamoStoreFromConfig loads the default AWS configuration and opens the table set by WithDynamoTable.
func NewDynamoStoreFromConfig(ctx context.Context, opts ...Option) (*DynamoStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	slog.Debug("NewDynamoStoreFromConfig: using table", "table", cfg.Table, "region", awsCfg.Region)
	return NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.Table)
}

func formPK(id string) string    { return "FORM#" + id }
func slugPK(slug string) string  { return "SLUG#" + slug }
func sessionPK(id string) string { return "SESSION#" + id }
func msgSK(seq int) string       { return fmt.Sprintf("%s%08d", skPrefixMsg, seq) }
func answerSK(key string) string { return skPrefixAnswer + key }

func formatTS(t time.Time) string { return t.UTC().Format(dynamoTimestamp) }

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func str(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func num(n int) types.AttributeValue { return &types.AttributeValueMemberN{Value: strconv.Itoa(n)} }

func (d *DynamoStore) put(item map[string]types.AttributeValue, condition string, values map[string]types.AttributeValue) types.TransactWriteItem {
	p := &types.Put{TableName: aws.String(d.tableName), Item: item}
	if condition != "" {
		p.ConditionExpression = aws.String(condition)
		p.ExpressionAttributeValues = values
	}
	return types.TransactWriteItem{Put: p}
}

func (d *DynamoStore) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func (d *DynamoStore) SaveForm(ctx context.Context, form models.FormDefinition) error {
	body, err := json.Marshal(form)
	if err != nil {
		return fmt.Errorf("failed to encode form %s: %w", form.ID, err)
	}
	owner, err := d.getItem(ctx, slugPK(form.Slug), skMeta)
	if err != nil {
		return fmt.Errorf("store: SaveForm slug lookup: %w", err)
	}
	if owner != nil {
		if id, _ := strAttr(owner, "form_id"); id != form.ID {
			return fmt.Errorf("save form %s: %w", form.Slug, ErrSlugTaken)
		}
	}
	prev, err := d.getItem(ctx, formPK(form.ID), skMeta)
	if err != nil {
		return fmt.Errorf("store: SaveForm get: %w", err)
	}

	items := []types.TransactWriteItem{
		d.put(map[string]types.AttributeValue{
			"PK": str(formPK(form.ID)), "SK": str(skMeta), "entity": str(entityForm),
			"slug": str(form.Slug), "status": str(string(form.Status)), "body": str(string(body)),
		}, "", nil),
		d.put(map[string]types.AttributeValue{
			"PK": str(slugPK(form.Slug)), "SK": str(skMeta), "form_id": str(form.ID),
		}, "attribute_not_exists(PK) OR form_id = :id", map[string]types.AttributeValue{":id": str(form.ID)}),
	}
	if prev != nil {
		if oldSlug, _ := strAttr(prev, "slug"); oldSlug != "" && oldSlug != form.Slug {
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName: aws.String(d.tableName),
				Key:       key(slugPK(oldSlug), skMeta),
			}})
		}
	}
	if _, err := d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		slog.Error("DynamoStore.SaveForm failed", "error", err, "formID", form.ID)
		return fmt.Errorf("store: SaveForm: %w", err)
	}
	slog.Debug("DynamoStore.SaveForm succeeded", "formID", form.ID, "slug", form.Slug)
	return nil
}

func (d *DynamoStore) GetForm(ctx context.Context, id string) (*models.FormDefinition, error) {
	item, err := d.getItem(ctx, formPK(id), skMeta)
	if err != nil {
		return nil, fmt.Errorf("store: GetForm: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("form %s: %w", id, ErrNotFound)
	}
	return itemToForm(item)
}

func (d *DynamoStore) GetFormBySlug(ctx context.Context, slug string) (*models.FormDefinition, error) {
	item, err := d.getItem(ctx, slugPK(slug), skMeta)
	if err != nil {
		return nil, fmt.Errorf("store: GetFormBySlug: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("form slug %s: %w", slug, ErrNotFound)
	}
	id, err := strAttr(item, "form_id")
	if err != nil {
		return nil, err
	}
	return d.GetForm(ctx, id)
}

func (d *DynamoStore) ListForms(ctx context.Context) ([]models.FormDefinition, error) {
	var forms []models.FormDefinition
	var start map[string]types.AttributeValue
	for {
		out, err := d.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(d.tableName),
			FilterExpression:          aws.String("entity = :form"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":form": str(entityForm)},
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, fmt.Errorf("store: ListForms scan: %w", err)
		}
		for _, item := range out.Items {
			f, err := itemToForm(item)
			if err != nil {
				return nil, err
			}
			forms = append(forms, *f)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	sort.Slice(forms, func(i, j int) bool { return forms[i].Slug < forms[j].Slug })
	return forms, nil
}

func (d *DynamoStore) CreateSession(ctx context.Context, session models.Session) error {
	meta, err := sessionItem(session, len(session.Messages))
	if err != nil {
		return err
	}
	items := []types.TransactWriteItem{d.put(meta, "attribute_not_exists(PK)", nil)}
	for i, m := range session.Messages {
		items = append(items, d.put(messageItem(session.ID, i+1, m), "", nil))
	}
	for k, v := range session.Answers {
		items = append(items, d.put(answerItem(session.ID, k, v, session.UpdatedAt), "", nil))
	}
	if _, err := d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		slog.Error("DynamoStore.CreateSession failed", "error", err, "sessionID", session.ID)
		return fmt.Errorf("store: CreateSession: %w", err)
	}
	return nil
}

func (d *DynamoStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var items []map[string]types.AttributeValue
	var start map[string]types.AttributeValue
	for {
		out, err := d.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(d.tableName),
			KeyConditionExpression:    aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":pk": str(sessionPK(id))},
			ConsistentRead:            aws.Bool(true),
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, fmt.Errorf("store: GetSession query: %w", err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}

	var session *models.Session
	var msgs []seqMessage
	answers := make(map[string]string)
	for _, item := range items {
		sk, err := strAttr(item, "SK")
		if err != nil {
			return nil, err
		}
		switch {
		case sk == skMeta:
			s, _, err := itemToSession(item)
			if err != nil {
				return nil, err
			}
			session = &s
		case strings.HasPrefix(sk, skPrefixMsg):
			m, err := itemToMessage(item)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, seqMessage{sk: sk, msg: m})
		case strings.HasPrefix(sk, skPrefixAnswer):
			v, _ := strAttr(item, "value")
			answers[strings.TrimPrefix(sk, skPrefixAnswer)] = v
		}
	}
	if session == nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].sk < msgs[j].sk })
	for _, m := range msgs {
		session.Messages = append(session.Messages, m.msg)
	}
	session.Answers = answers
	return session, nil
}

// commitCondition accepts a turn only on an active session whose transcript is unchanged.
const commitCondition = "msg_count = :old AND #status = :active"

func (d *DynamoStore) Commit(ctx context.Context, commit TurnCommit) error {
	id := commit.Session.ID
	metaItem, err := d.getItem(ctx, sessionPK(id), skMeta)
	if err != nil {
		return fmt.Errorf("store: Commit get session: %w", err)
	}
	if metaItem == nil {
		return fmt.Errorf("commit session %s: %w", id, ErrNotFound)
	}
	current, count, err := itemToSession(metaItem)
	if err != nil {
		return err
	}
	if !current.Active() || count != commit.ExpectedMessages {
		slog.Warn("DynamoStore.Commit: stale commit rejected", "sessionID", id, "status", current.Status,
			"messages", count, "expected", commit.ExpectedMessages)
		return fmt.Errorf("commit session %s: %w", id, ErrConflict)
	}
	current.Status = commit.Session.Status
	current.CurrentNodeID = commit.Session.CurrentNodeID
	current.UpdatedAt = commit.Session.UpdatedAt
	current.CompletedAt = commit.Session.CompletedAt

	meta, err := sessionItem(current, count+len(commit.Messages))
	if err != nil {
		return err
	}
	guard := d.put(meta, commitCondition, map[string]types.AttributeValue{
		":old":    num(count),
		":active": str(string(models.SessionStatusActive)),
	})
	guard.Put.ExpressionAttributeNames = map[string]string{"#status": "status"}
	items := []types.TransactWriteItem{guard}
	for i, m := range commit.Messages {
		items = append(items, d.put(messageItem(id, count+i+1, m), "attribute_not_exists(PK)", nil))
	}
	for k, v := range commit.Answers {
		items = append(items, d.put(answerItem(id, k, v, commit.Session.UpdatedAt), "", nil))
	}
	if sub := commit.Submission; sub != nil {
		existing, err := d.getItem(ctx, sessionPK(id), skSubmission)
		if err != nil {
			return fmt.Errorf("store: Commit get submission: %w", err)
		}
		if existing == nil {
			subItem, err := submissionItem(*sub, sessionPK(id), skSubmission)
			if err != nil {
				return err
			}
			listItem, err := submissionItem(*sub, formPK(sub.FormID), skPrefixSubmit+formatTS(sub.CreatedAt)+"#"+sub.ID)
			if err != nil {
				return err
			}
			items = append(items, d.put(subItem, "attribute_not_exists(PK)", nil), d.put(listItem, "", nil))
		}
	}
	if _, err := d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			// Another writer moved the session between our read and the transaction.
			slog.Warn("DynamoStore.Commit: conditional write lost", "sessionID", id, "error", err)
			return fmt.Errorf("commit session %s: %w: %v", id, ErrConflict, err)
		}
		slog.Error("DynamoStore.Commit failed", "error", err, "sessionID", id)
		return fmt.Errorf("store: Commit: %w", err)
	}
	slog.Debug("DynamoStore.Commit succeeded", "sessionID", id, "status", current.Status, "items", len(items))
	return nil
}

func (d *DynamoStore) GetSubmission(ctx context.Context, sessionID string) (*models.Submission, error) {
	item, err := d.getItem(ctx, sessionPK(sessionID), skSubmission)
	if err != nil {
		return nil, fmt.Errorf("store: GetSubmission: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("submission for session %s: %w", sessionID, ErrNotFound)
	}
	sub, err := itemToSubmission(item)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (d *DynamoStore) ListSubmissions(ctx context.Context, formID string) ([]models.Submission, error) {
	var subs []models.Submission
	var start map[string]types.AttributeValue
	for {
		out, err := d.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     str(formPK(formID)),
				":prefix": str(skPrefixSubmit),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("store: ListSubmissions query: %w", err)
		}
		for _, item := range out.Items {
			sub, err := itemToSubmission(item)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	return subs, nil
}

// Close is a no-op; the AWS client holds no connections that need releasing.
func (d *DynamoStore) Close() error {
	return nil
}

func itemToForm(item map[string]types.AttributeValue) (*models.FormDefinition, error) {
	body, err := strAttr(item, "body")
	if err != nil {
		return nil, err
	}
	var f models.FormDefinition
	if err := json.Unmarshal([]byte(body), &f); err != nil {
		return nil, fmt.Errorf("store: decode form body: %w", err)
	}
	return &f, nil
}

func sessionItem(s models.Session, msgCount int) (map[string]types.AttributeValue, error) {
	metadata, err := encodeMetadata(s.Metadata)
	if err != nil {
		return nil, err
	}
	item := map[string]types.AttributeValue{
		"PK":         str(sessionPK(s.ID)),
		"SK":         str(skMeta),
		"session_id": str(s.ID),
		"form_id":    str(s.FormID),
		"status":     str(string(s.Status)),
		"created_at": str(formatTS(s.CreatedAt)),
		"updated_at": str(formatTS(s.UpdatedAt)),
		"msg_count":  num(msgCount),
	}
	optional := map[string]string{
		"current_node_id": s.CurrentNodeID,
		"channel":         s.Channel,
		"locale":          s.Locale,
		"metadata":        metadata,
	}
	for k, v := range optional {
		if v != "" {
			item[k] = str(v)
		}
	}
	if s.CompletedAt != nil {
		item["completed_at"] = str(formatTS(*s.CompletedAt))
	}
	return item, nil
}

func itemToSession(item map[string]types.AttributeValue) (models.Session, int, error) {
	var s models.Session
	var err error
	if s.ID, err = strAttr(item, "session_id"); err != nil {
		return s, 0, err
	}
	if s.FormID, err = strAttr(item, "form_id"); err != nil {
		return s, 0, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return s, 0, err
	}
	s.Status = models.SessionStatus(status)
	s.CurrentNodeID, _ = strAttr(item, "current_node_id")
	s.Channel, _ = strAttr(item, "channel")
	s.Locale, _ = strAttr(item, "locale")
	metadata, _ := strAttr(item, "metadata")
	if s.Metadata, err = decodeMetadata(metadata); err != nil {
		return s, 0, err
	}
	if s.CreatedAt, err = timeAttr(item, "created_at"); err != nil {
		return s, 0, err
	}
	if s.UpdatedAt, err = timeAttr(item, "updated_at"); err != nil {
		return s, 0, err
	}
	if _, ok := item["completed_at"]; ok {
		t, err := timeAttr(item, "completed_at")
		if err != nil {
			return s, 0, err
		}
		s.CompletedAt = &t
	}
	count, err := intAttr(item, "msg_count")
	if err != nil {
		return s, 0, err
	}
	return s, count, nil
}

func messageItem(sessionID string, seq int, m models.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         str(sessionPK(sessionID)),
		"SK":         str(msgSK(seq)),
		"role":       str(string(m.Role)),
		"content":    str(m.Content),
		"created_at": str(formatTS(m.Timestamp)),
	}
}

func itemToMessage(item map[string]types.AttributeValue) (models.Message, error) {
	var m models.Message
	role, err := strAttr(item, "role")
	if err != nil {
		return m, err
	}
	m.Role = models.Role(role)
	m.Content, _ = strAttr(item, "content")
	if m.Timestamp, err = timeAttr(item, "created_at"); err != nil {
		return m, err
	}
	return m, nil
}

func answerItem(sessionID, field, value string, at time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         str(sessionPK(sessionID)),
		"SK":         str(answerSK(field)),
		"value":      str(value),
		"updated_at": str(formatTS(at)),
	}
}

func submissionItem(sub models.Submission, pk, sk string) (map[string]types.AttributeValue, error) {
	answers, err := json.Marshal(copyAnswers(sub.Answers))
	if err != nil {
		return nil, fmt.Errorf("failed to encode submission answers: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":            str(pk),
		"SK":            str(sk),
		"submission_id": str(sub.ID),
		"session_id":    str(sub.SessionID),
		"form_id":       str(sub.FormID),
		"answers":       str(string(answers)),
		"created_at":    str(formatTS(sub.CreatedAt)),
	}, nil
}

func itemToSubmission(item map[string]types.AttributeValue) (models.Submission, error) {
	var sub models.Submission
	var err error
	if sub.ID, err = strAttr(item, "submission_id"); err != nil {
		return sub, err
	}
	sub.SessionID, _ = strAttr(item, "session_id")
	sub.FormID, _ = strAttr(item, "form_id")
	answers, err := strAttr(item, "answers")
	if err != nil {
		return sub, err
	}
	if err := json.Unmarshal([]byte(answers), &sub.Answers); err != nil {
		return sub, fmt.Errorf("store: decode submission answers: %w", err)
	}
	if sub.CreatedAt, err = timeAttr(item, "created_at"); err != nil {
		return sub, err
	}
	return sub, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("store: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("store: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("store: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("store: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("store: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(dynamoTimestamp, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse attribute %q: %w", key, err)
	}
	return t, nil
}
