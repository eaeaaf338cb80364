// Package config загружает конфигурацию сервисов Fanout.
//
// Порядок источников:
//  1. значения по умолчанию (Default)
//  2. YAML-файл (путь из FANOUT_CONFIG или флага)
//  3. переменные окружения с префиксом FANOUT_ (через viper)
//
// .env подгружается в main до вызова Load, поэтому переменные из него
// участвуют в шаге 3.
//
// Таблица политик действий валидируется при старте. PolicyRegistry хранит
// её за atomic.Pointer, WatchPolicies перечитывает файл политик при изменении
// (fsnotify). Невалидная таблица логируется и не применяется.
package config
