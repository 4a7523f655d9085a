package logging

// Package-level helpers for the hot categories. Each pair mirrors the
// Logger.Info / Logger.Debug split.

func Schema(format string, args ...interface{})      { Get(CategorySchema).Info(format, args...) }
func SchemaDebug(format string, args ...interface{}) { Get(CategorySchema).Debug(format, args...) }

func Sanitize(format string, args ...interface{})      { Get(CategorySanitize).Info(format, args...) }
func SanitizeDebug(format string, args ...interface{}) { Get(CategorySanitize).Debug(format, args...) }

func Interpret(format string, args ...interface{})      { Get(CategoryInterpret).Info(format, args...) }
func InterpretDebug(format string, args ...interface{}) { Get(CategoryInterpret).Debug(format, args...) }

func Registry(format string, args ...interface{})      { Get(CategoryRegistry).Info(format, args...) }
func RegistryDebug(format string, args ...interface{}) { Get(CategoryRegistry).Debug(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

func Query(format string, args ...interface{})      { Get(CategoryQuery).Info(format, args...) }
func QueryDebug(format string, args ...interface{}) { Get(CategoryQuery).Debug(format, args...) }

func Session(format string, args ...interface{})      { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debug(format, args...) }

func LLM(format string, args ...interface{})      { Get(CategoryLLM).Info(format, args...) }
func LLMDebug(format string, args ...interface{}) { Get(CategoryLLM).Debug(format, args...) }

func API(format string, args ...interface{})      { Get(CategoryAPI).Info(format, args...) }
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debug(format, args...) }
