// Package relay 实现请求中继程序：保存默认提示词与 LLM 上下文，
// 通过调度程序排队 request_gpt，由国库付费向预言机提问，并接收预言机身份签名的回调。
package relay
