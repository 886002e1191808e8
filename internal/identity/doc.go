// Package identity 将账户地址映射为稳定的身份编号。
package identity
