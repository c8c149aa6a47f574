package libc

import (
	"math"

	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("libc", dyld.FunctionExports{
		dyld.ExportC("sin", unary(math.Sin)),
		dyld.ExportC("cos", unary(math.Cos)),
		dyld.ExportC("tan", unary(math.Tan)),
		dyld.ExportC("atan", unary(math.Atan)),
		dyld.ExportC("sqrt", unary(math.Sqrt)),
		dyld.ExportC("floor", unary(math.Floor)),
		dyld.ExportC("ceil", unary(math.Ceil)),
		dyld.ExportC("fabs", unary(math.Abs)),
		dyld.ExportC("exp", unary(math.Exp)),
		dyld.ExportC("log", unary(math.Log)),
		dyld.ExportC("atan2", binary(math.Atan2)),
		dyld.ExportC("pow", binary(math.Pow)),
		dyld.ExportC("fmod", binary(math.Mod)),

		dyld.ExportC("sinf", unaryf(math.Sin)),
		dyld.ExportC("cosf", unaryf(math.Cos)),
		dyld.ExportC("sqrtf", unaryf(math.Sqrt)),
		dyld.ExportC("floorf", unaryf(math.Floor)),
		dyld.ExportC("fabsf", unaryf(math.Abs)),
	})
}

func unary(f func(float64) float64) func(*env.Environment, float64) float64 {
	return func(_ *env.Environment, x float64) float64 { return f(x) }
}

func binary(f func(float64, float64) float64) func(*env.Environment, float64, float64) float64 {
	return func(_ *env.Environment, x, y float64) float64 { return f(x, y) }
}

func unaryf(f func(float64) float64) func(*env.Environment, float32) float32 {
	return func(_ *env.Environment, x float32) float32 { return float32(f(float64(x))) }
}
