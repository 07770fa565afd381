package responses

import (
	"regexp"
	"strconv"
	"strings"

	"CrisisBridge/internal/models"
	"CrisisBridge/pkg/errors"
)

var (
	spaces   = regexp.MustCompile(`\s+`)
	onMyWay  = regexp.MustCompile(`^(?:2|omw|on my way)(?:\s+(\d{1,3})\s*(?:m|min|mins|minutes)?)?$`)
	keywords = map[string]models.ResponseType{
		"1": models.ResponseImmediate, "yes": models.ResponseImmediate, "y": models.ResponseImmediate,
		"ok": models.ResponseImmediate, "ack": models.ResponseImmediate, "immediate": models.ResponseImmediate,
		"3": models.ResponseCantHelp, "no": models.ResponseCantHelp, "n": models.ResponseCantHelp,
		"cant": models.ResponseCantHelp, "can't": models.ResponseCantHelp, "cannot": models.ResponseCantHelp,
		"cant help": models.ResponseCantHelp, "can't help": models.ResponseCantHelp, "cannot help": models.ResponseCantHelp,
		"4": models.ResponseDelegated, "delegate": models.ResponseDelegated, "delegated": models.ResponseDelegated,
	}
)

// ParseReply 把短信正文解析为回复类型，on my way 可带分钟数
func ParseReply(body string) (models.ResponseType, *int, error) {
	s := strings.ToLower(strings.TrimSpace(body))
	s = strings.NewReplacer("’", "'", "‘", "'").Replace(s)
	s = strings.TrimRight(s, ".!?, ")
	s = spaces.ReplaceAllString(s, " ")

	if t, ok := keywords[s]; ok {
		return t, nil, nil
	}
	if m := onMyWay.FindStringSubmatch(s); m != nil {
		if m[1] == "" {
			return models.ResponseOnMyWay, nil, nil
		}
		eta, _ := strconv.Atoi(m[1])
		return models.ResponseOnMyWay, &eta, nil
	}
	return "", nil, errors.ErrInvalidResponse.WithContext("body", body)
}
