package domains

import (
	"github.com/mailru/easyjson/jlexer"
)

// jsonString decodes a JSON string value; null decodes to "".
type jsonString string

func (s *jsonString) UnmarshalEasyJSON(l *jlexer.Lexer) {
	if l.IsNull() {
		l.Skip()
		*s = ""
		return
	}
	*s = jsonString(l.String())
}

func (s *jsonString) UnmarshalJSON(data []byte) error {
	l := jlexer.Lexer{Data: data}
	s.UnmarshalEasyJSON(&l)
	return l.Error()
}
