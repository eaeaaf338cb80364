// Package inspect разбирает ссылки через внешний Inspector.
//
// Inspector — внешний коллаборатор: по ссылке возвращает дескриптор и
// метаданные чата, по дескриптору канала — id последних постов. Вызовы
// выполняются от имени inspect-аккаунтов через цикл повторов пула.
//
// LinkHash — стабильный хэш канонической формы дескриптора, ключ dedupe и
// состояния связи в claim-протоколе.
package inspect
