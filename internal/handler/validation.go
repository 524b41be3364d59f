package handler

import (
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/user/poplens/internal/model"
)

var registerOnce sync.Once

// RegisterValidators 注册自定义校验规则 mediatype
func RegisterValidators() {
	registerOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("mediatype", func(fl validator.FieldLevel) bool {
				return model.MediaType(fl.Field().String()).Valid()
			})
		}
	})
}
