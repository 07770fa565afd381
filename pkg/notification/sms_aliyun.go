package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"CrisisBridge/pkg/errors"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

type AliyunSMSConfig struct {
	AccessKeyId     string
	AccessKeySecret string
	SignName        string
	TemplateCode    string // 模板只有一个变量 content
	Endpoint        string // 默认 cn-hangzhou
}

// AliyunSMSClient 便于替换/注入的发送接口（适配真实 SDK），返回 BizId
type AliyunSMSClient interface {
	Send(ctx context.Context, phone, sign, template string, params map[string]string) (bizID string, err error)
}

type AliyunSMS struct {
	cfg AliyunSMSConfig
	cli AliyunSMSClient
}

func NewAliyunSMS(cfg AliyunSMSConfig, cli AliyunSMSClient) *AliyunSMS {
	return &AliyunSMS{cfg: cfg, cli: cli}
}

func (a *AliyunSMS) Send(ctx context.Context, phone, message string) (SendResult, error) {
	if a.cli == nil {
		return SendResult{}, errors.WithCode(errors.CodeTransientTransport, "AliyunSMSClient not configured")
	}
	params := map[string]string{"content": message}
	id, err := a.cli.Send(ctx, phone, a.cfg.SignName, a.cfg.TemplateCode, params)
	if err != nil {
		return SendResult{}, errors.WrapCode(err, errors.CodeTransientTransport, "aliyun sms send failed")
	}
	return SendResult{DeliveryID: id, Status: StatusSent}, nil
}

// aliyunRPCClient 直接调用 dysmsapi 的 RPC 接口（签名方式 HMAC-SHA1）
type aliyunRPCClient struct {
	cfg   AliyunSMSConfig
	cli   *resty.Client
	now   func() time.Time
	nonce func() string
}

// NewAliyunRPCClient 不依赖官方 SDK 的 SendSms 客户端
func NewAliyunRPCClient(cfg AliyunSMSConfig) AliyunSMSClient {
	host := "https://dysmsapi.aliyuncs.com"
	if strings.HasPrefix(cfg.Endpoint, "http") {
		host = cfg.Endpoint
	}
	return &aliyunRPCClient{
		cfg:   cfg,
		cli:   resty.New().SetBaseURL(host).SetTimeout(5 * time.Second),
		now:   time.Now,
		nonce: uuid.NewString,
	}
}

type aliyunSendResp struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
	BizID   string `json:"BizId"`
}

func (c *aliyunRPCClient) Send(ctx context.Context, phone, sign, template string, params map[string]string) (string, error) {
	tp, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	region := c.cfg.Endpoint
	if region == "" || strings.HasPrefix(region, "http") {
		region = "cn-hangzhou"
	}
	q := url.Values{}
	q.Set("AccessKeyId", c.cfg.AccessKeyId)
	q.Set("Action", "SendSms")
	q.Set("Format", "JSON")
	q.Set("PhoneNumbers", phone)
	q.Set("RegionId", region)
	q.Set("SignName", sign)
	q.Set("SignatureMethod", "HMAC-SHA1")
	q.Set("SignatureNonce", c.nonce())
	q.Set("SignatureVersion", "1.0")
	q.Set("TemplateCode", template)
	q.Set("TemplateParam", string(tp))
	q.Set("Timestamp", c.now().UTC().Format("2006-01-02T15:04:05Z"))
	q.Set("Version", "2017-05-25")
	q.Set("Signature", aliyunSignature(http.MethodGet, q, c.cfg.AccessKeySecret))

	var out aliyunSendResp
	resp, err := c.cli.R().SetContext(ctx).SetQueryParamsFromValues(q).SetResult(&out).Get("/")
	if err != nil {
		return "", err
	}
	if resp.IsError() || out.Code != "OK" {
		return "", errors.Errorf("aliyun SendSms %s: %s", out.Code, out.Message)
	}
	return out.BizID, nil
}

// aliyunSignature RPC 风格签名：参数按 key 排序后做 percent-encode
func aliyunSignature(method string, q url.Values, secret string) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, aliyunEncode(k)+"="+aliyunEncode(q.Get(k)))
	}
	toSign := method + "&" + aliyunEncode("/") + "&" + aliyunEncode(strings.Join(parts, "&"))
	mac := hmac.New(sha1.New, []byte(secret+"&"))
	mac.Write([]byte(toSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func aliyunEncode(s string) string {
	s = url.QueryEscape(s)
	return strings.NewReplacer("+", "%20", "*", "%2A", "%7E", "~").Replace(s)
}
