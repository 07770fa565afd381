package i18n

import (
	"embed"
	"encoding/json"
	"os"
	"path/filepath"

	"CrisisBridge/pkg/errors"
	"CrisisBridge/pkg/logger"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var builtin embed.FS

// 模板键
const (
	KeyAlertSMS                 = "alert_sms"
	KeyAlertSMSEscalated        = "alert_sms_escalated"
	KeyOperatorExhaustedSubject = "operator_exhausted_subject"
	KeyOperatorExhaustedBody    = "operator_exhausted_body"
)

// I18nSupport 国际化支持结构体
type I18nSupport struct {
	bundle *i18n.Bundle
}

// NewI18nSupport 初始化国际化支持，内置 en / zh 模板；
// overrideDir 非空时再加载该目录下的 *.json 覆盖内置文案
func NewI18nSupport(defaultLang string, overrideDir string) (*I18nSupport, error) {
	tag, err := language.Parse(defaultLang)
	if err != nil {
		return nil, errors.WrapCode(err, errors.CodeInvalidRequest, "invalid default language")
	}
	bundle := i18n.NewBundle(tag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := builtin.ReadDir("locales")
	if err != nil {
		return nil, errors.Wrap(err, "read builtin locales")
	}
	for _, e := range entries {
		buf, err := builtin.ReadFile("locales/" + e.Name())
		if err != nil {
			return nil, errors.Wrapf(err, "read builtin locale %s", e.Name())
		}
		if _, err := bundle.ParseMessageFileBytes(buf, e.Name()); err != nil {
			return nil, errors.Wrapf(err, "parse builtin locale %s", e.Name())
		}
	}

	if overrideDir != "" {
		files, _ := filepath.Glob(filepath.Join(overrideDir, "*.json"))
		for _, f := range files {
			if _, err := os.Stat(f); err != nil {
				continue
			}
			if _, err := bundle.LoadMessageFile(f); err != nil {
				// 不返回错误，内置文案仍可用
				logger.Warn("failed to load locale override", zap.String("file", f), zap.Error(err))
			}
		}
	}

	return &I18nSupport{bundle: bundle}, nil
}

// T 获取翻译文本，languageTag 无对应文案时回退到默认语言
func (i *I18nSupport) T(languageTag, key string, templateData map[string]interface{}) string {
	localizer := i18n.NewLocalizer(i.bundle, languageTag)

	translation, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: templateData,
	})

	if err != nil {
		logger.Warn("translate failed", zap.String("key", key), zap.String("lang", languageTag), zap.Error(err))
		return key // 返回键名作为默认值
	}

	return translation
}

// TWithDefaultLang 使用默认语言获取翻译文本
func (i *I18nSupport) TWithDefaultLang(key string, templateData map[string]interface{}) string {
	return i.T("", key, templateData)
}
