// Package runner выполняет прогон пайплайна: цикл по готовым stages
// в порядке зависимостей, preconditions перед каждым запуском, parallel
// groups с join-барьером и политики обработки ошибок (fatal,
// skip-descendants, group abort/finish-group).
//
// Runner эксклюзивно владеет PipelineRun; конкурентность ограничена
// участниками одной группы, пишущими состояние через мьютекс.
package runner
