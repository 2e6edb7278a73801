// Package engine отвечает за парсинг и валидацию спецификации пайплайна
// и построение графа зависимостей stages.
//
// Граф — DAG: дубликаты имён, висячие или forward depends_on и циклы —
// ошибки конфигурации, которые прерывают прогон до запуска какой-либо
// внешней команды.
package engine
