package exchange

import (
	"errors"
	"fmt"
)

// Классификация ошибок шлюза. Обработчик тика решает по ним судьбу запроса:
// ErrAuth фатальна для всей сессии, ErrRateLimited и ErrUnavailable
// повторяются с ограниченным бэкоффом, ErrBadPayload пропускает тик без
// повтора, ErrAmbiguousOrder требует сверки состояния перед признанием неудачи.
var (
	ErrAuth           = errors.New("ошибка аутентификации или подписи")
	ErrRateLimited    = errors.New("превышен лимит запросов")
	ErrUnavailable    = errors.New("биржа временно недоступна")
	ErrBadPayload     = errors.New("неожиданный формат ответа")
	ErrAmbiguousOrder = errors.New("неопределенный результат размещения ордера")
)

// apiError ошибка уровня тела ответа (result=false)
type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("ошибка API (HTTP %d, код %s): %s", e.status, e.code, e.message)
}

// IsFatal сообщает, что повторять запрос бессмысленно и сессию надо останавливать
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsRetryable сообщает, что ошибку можно повторить с бэкоффом
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}
