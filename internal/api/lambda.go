package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// LambdaHandler serves API Gateway proxy events through the same router as Run.
func (s *Server) LambdaHandler() func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return func(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		req, err := requestFromEvent(ctx, event)
		if err != nil {
			return events.APIGatewayProxyResponse{StatusCode: http.StatusBadRequest, Body: err.Error()}, nil
		}
		rec := newLambdaResponse()
		s.ServeHTTP(rec, req)
		return rec.event(), nil
	}
}

func requestFromEvent(ctx context.Context, event events.APIGatewayProxyRequest) (*http.Request, error) {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 body: %w", err)
		}
		body = decoded
	}

	query := url.Values{}
	for k, vs := range event.MultiValueQueryStringParameters {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	for k, v := range event.QueryStringParameters {
		if _, ok := query[k]; !ok {
			query.Set(k, v)
		}
	}
	target := event.Path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, event.HTTPMethod, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range event.MultiValueHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, v := range event.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
	}
	req.RemoteAddr = event.RequestContext.Identity.SourceIP
	return req, nil
}

// lambdaResponse buffers a handler's output into a proxy response.
type lambdaResponse struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newLambdaResponse() *lambdaResponse {
	return &lambdaResponse{header: http.Header{}}
}

func (l *lambdaResponse) Header() http.Header { return l.header }

func (l *lambdaResponse) Write(b []byte) (int, error) {
	if l.status == 0 {
		l.status = http.StatusOK
	}
	return l.body.Write(b)
}

func (l *lambdaResponse) WriteHeader(status int) {
	if l.status == 0 {
		l.status = status
	}
}

func (l *lambdaResponse) event() events.APIGatewayProxyResponse {
	status := l.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := make(map[string]string, len(l.header))
	multi := make(map[string][]string, len(l.header))
	for k, vs := range l.header {
		headers[k] = strings.Join(vs, ",")
		multi[k] = vs
	}
	return events.APIGatewayProxyResponse{
		StatusCode:        status,
		Headers:           headers,
		MultiValueHeaders: multi,
		Body:              l.body.String(),
	}
}
