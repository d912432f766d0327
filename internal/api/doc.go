// Package api 暴露中继操作的 REST 接口。写操作要求 X-Relay-Signature 签名，
// 签名者即账本事务的签名账户。
package api
